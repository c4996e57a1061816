package trigger

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type captureRef struct {
	actionType ActionType
	got        []any
}

func (c *captureRef) Type() ActionType { return c.actionType }

func (c *captureRef) Invoke(_ context.Context, _ ServiceLocator, args []any) (any, error) {
	c.got = args
	return len(args), nil
}

func TestActionInvokerInjectsWorkflowContext(t *testing.T) {
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})
	workflowRef := &captureRef{actionType: ActionTypeWorkflow}
	regularRef := &captureRef{actionType: ActionTypeRegular}

	registry := NewActionRegistry()
	if err := registry.Register("wf_action", workflowRef); err != nil {
		t.Fatalf("register workflow action: %v", err)
	}
	if err := registry.Register("plain_action", regularRef); err != nil {
		t.Fatalf("register regular action: %v", err)
	}
	invoker := NewActionInvoker(registry)
	input := []any{"a", "b"}

	if _, err := invoker.Execute(context.Background(), wc, "wf_action", input); err != nil {
		t.Fatalf("execute workflow action: %v", err)
	}
	if !reflect.DeepEqual(workflowRef.got, []any{wc, "a", "b"}) {
		t.Fatalf("expected workflow context first, got %#v", workflowRef.got)
	}
	if !reflect.DeepEqual(input, []any{"a", "b"}) {
		t.Fatalf("caller arguments must not change, got %#v", input)
	}

	if _, err := invoker.Execute(context.Background(), wc, "plain_action", input); err != nil {
		t.Fatalf("execute regular action: %v", err)
	}
	if !reflect.DeepEqual(regularRef.got, []any{"a", "b"}) {
		t.Fatalf("expected arguments unchanged, got %#v", regularRef.got)
	}
}

func TestActionInvokerUnknownAction(t *testing.T) {
	_, err := NewActionInvoker(NewActionRegistry()).Execute(context.Background(), nil, "missing", nil)
	if ErrorCode(err) != ErrCodeActionNotFound {
		t.Fatalf("expected %s, got %v", ErrCodeActionNotFound, err)
	}
}

func TestActionInvokerPropagatesActionErrors(t *testing.T) {
	boom := errors.New("boom")
	registry := NewActionRegistry()
	if err := registry.RegisterCallable("fails", ActionTypeRegular, func() error { return boom }); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := NewActionInvoker(registry).Execute(context.Background(), nil, "fails", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected action error unchanged, got %v", err)
	}
}

type mailer struct {
	sent []string
}

func (m *mailer) Send(ctx context.Context, to string, copies int) (string, error) {
	if ctx == nil {
		return "", errors.New("missing context")
	}
	for i := 0; i < copies; i++ {
		m.sent = append(m.sent, to)
	}
	return "sent", nil
}

func TestServiceMethodResolvesTargetThroughLocator(t *testing.T) {
	m := &mailer{}
	registry := NewActionRegistry()
	if err := registry.Register("send_mail", ServiceMethod{ServiceID: "mailer", Method: "Send"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	locator := func(id string) (any, error) {
		if id != "mailer" {
			return nil, errors.New("unknown service")
		}
		return m, nil
	}

	out, err := NewActionInvoker(registry, WithServiceLocator(locator)).
		Execute(context.Background(), nil, "send_mail", []any{"ops@example.com", float64(2)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "sent" || len(m.sent) != 2 {
		t.Fatalf("expected two mails sent, got %v %v", out, m.sent)
	}

	_, err = NewActionInvoker(registry).Execute(context.Background(), nil, "send_mail", []any{"x", 1})
	if ErrorCode(err) != ErrCodeLocatorMissing {
		t.Fatalf("expected %s without locator, got %v", ErrCodeLocatorMissing, err)
	}
}

func TestStaticFuncReference(t *testing.T) {
	name := "trigger_test_double"
	if err := RegisterFunc(name, func(v int) int { return v * 2 }); err != nil {
		t.Fatalf("register func: %v", err)
	}
	if err := RegisterFunc(name, func() {}); ErrorCode(err) != ErrCodeActionExists {
		t.Fatalf("expected duplicate func error, got %v", err)
	}
	out, err := StaticFunc{Name: name}.Invoke(context.Background(), nil, []any{float64(21)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected 42, got %v", out)
	}
	if _, err := (StaticFunc{Name: name}).Invoke(context.Background(), nil, []any{1.5}); err == nil {
		t.Fatalf("expected fractional number to be rejected for int parameter")
	}
}

func TestStaticFuncRejectsNumbersOutsideParameterRange(t *testing.T) {
	if err := RegisterFunc("trigger_test_byte", func(v uint8) uint8 { return v }); err != nil {
		t.Fatalf("register func: %v", err)
	}
	if err := RegisterFunc("trigger_test_uint", func(v uint) uint { return v }); err != nil {
		t.Fatalf("register func: %v", err)
	}
	if err := RegisterFunc("trigger_test_int8", func(v int8) int8 { return v }); err != nil {
		t.Fatalf("register func: %v", err)
	}

	cases := []struct {
		name string
		fn   string
		arg  any
	}{
		{name: "float above uint8", fn: "trigger_test_byte", arg: float64(300)},
		{name: "int above uint8", fn: "trigger_test_byte", arg: 256},
		{name: "negative float for uint", fn: "trigger_test_uint", arg: float64(-1)},
		{name: "negative int for uint", fn: "trigger_test_uint", arg: -1},
		{name: "int above int8", fn: "trigger_test_int8", arg: 128},
		{name: "uint above int8", fn: "trigger_test_int8", arg: uint(200)},
		{name: "float below int8", fn: "trigger_test_int8", arg: float64(-129)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := StaticFunc{Name: tc.fn}.Invoke(context.Background(), nil, []any{tc.arg})
			if ErrorCode(err) != ErrCodeInvalidAction {
				t.Fatalf("expected invalid action error, got out=%v err=%v", out, err)
			}
		})
	}

	out, err := StaticFunc{Name: "trigger_test_byte"}.Invoke(context.Background(), nil, []any{float64(255)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != uint8(255) {
		t.Fatalf("expected 255, got %v", out)
	}
}

func TestActionRegistryValidation(t *testing.T) {
	registry := NewActionRegistry()
	ref := &captureRef{}
	if err := registry.Register("bad-name", ref); ErrorCode(err) != ErrCodeInvalidAction {
		t.Fatalf("expected invalid name error, got %v", err)
	}
	if err := registry.Register("good_name", ref); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("good_name", ref); ErrorCode(err) != ErrCodeActionExists {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := registry.Register("another", ref); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := registry.Names(); !reflect.DeepEqual(got, []string{"another", "good_name"}) {
		t.Fatalf("expected sorted names, got %v", got)
	}
	var nilRegistry *ActionRegistry
	if _, ok := nilRegistry.Lookup("x"); ok {
		t.Fatalf("nil registry lookup must fail")
	}
}
