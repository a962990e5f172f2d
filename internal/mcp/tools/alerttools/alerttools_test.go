package alerttools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend/mock"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/toolerr"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/session"
)

func run(t *testing.T, sess *mock.Session, name, args string) (any, error) {
	t.Helper()
	catalog, err := tools.NewCatalog(Tools()...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	tool, ok := catalog.Lookup(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	decoded, err := tool.Validate(json.RawMessage(args))
	if err != nil {
		return nil, err
	}
	call := tools.Call{CallerID: "agent-1", Handle: session.NewHandle(sess, time.Now())}
	return tool.Run(context.Background(), call, decoded)
}

func TestMetricAlerts(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession("s1")
	sess.PrincipalName = "control"

	if _, err := run(t, sess, "set_metric_alert", `{"name":"load","specification":" select os_system_load_average into topic alerts/load where value > 5 "}`); err != nil {
		t.Fatalf("set_metric_alert: %v", err)
	}

	out, err := run(t, sess, "list_metric_alerts", `{}`)
	if err != nil {
		t.Fatalf("list_metric_alerts: %v", err)
	}
	l := out.(listResult)
	if l.Count != 1 {
		t.Fatalf("count = %d, want 1", l.Count)
	}
	if a := l.Alerts[0]; a.Specification != "select os_system_load_average into topic alerts/load where value > 5" || a.Principal != "control" {
		t.Errorf("alert = %+v", a)
	}

	if _, err := run(t, sess, "remove_metric_alert", `{"name":"load"}`); err != nil {
		t.Fatalf("remove_metric_alert: %v", err)
	}
	_, err = run(t, sess, "remove_metric_alert", `{"name":"load"}`)
	if got := toolerr.Classify(err); got != toolerr.BackendRejected {
		t.Errorf("removing a missing alert classified %q, want backend_rejected", got)
	}
}

func TestSetMetricAlert_Invalid(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession("s1")

	if _, err := run(t, sess, "set_metric_alert", `{"name":" ","specification":"select x"}`); toolerr.Classify(err) != toolerr.InvalidArgument {
		t.Errorf("blank name: err = %v, want InvalidArgument", err)
	}
	if _, err := run(t, sess, "set_metric_alert", `{"name":"a","specification":""}`); toolerr.Classify(err) != toolerr.InvalidArgument {
		t.Errorf("empty specification: err = %v, want InvalidArgument", err)
	}
	if n := sess.CallCount(""); n != 0 {
		t.Errorf("backend saw %d calls, want 0", n)
	}
}
