package backend

import (
	"slices"
	"strings"
)

// TopicType is the data type of a topic.
type TopicType string

const (
	TopicString     TopicType = "string"
	TopicJSON       TopicType = "json"
	TopicInt64      TopicType = "int64"
	TopicDouble     TopicType = "double"
	TopicBinary     TopicType = "binary"
	TopicTimeSeries TopicType = "time_series"
	TopicRecordV2   TopicType = "recordv2"
)

// TopicTypes lists every recognised [TopicType] in display order.
var TopicTypes = []TopicType{
	TopicString, TopicJSON, TopicInt64, TopicDouble, TopicBinary, TopicTimeSeries, TopicRecordV2,
}

// TopicTypeNames returns the names of [TopicTypes] as plain strings.
func TopicTypeNames() []string {
	names := make([]string, len(TopicTypes))
	for i, t := range TopicTypes {
		names[i] = string(t)
	}
	return names
}

// IsValid reports whether t is a recognised topic type.
func (t TopicType) IsValid() bool {
	return slices.Contains(TopicTypes, t)
}

// ParseTopicType converts s to a [TopicType], ignoring case and surrounding
// whitespace. The boolean is false when s is not a recognised type.
func ParseTopicType(s string) (TopicType, bool) {
	t := TopicType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.IsValid()
}
