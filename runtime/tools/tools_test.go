package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/strategy"
	"stratagem/runtime/tools"
	"stratagem/runtime/wdk"
)

func echoSpec(name string) tools.Spec {
	return tools.Spec{
		Name:        name,
		Description: "echoes its arguments",
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var v map[string]any
			_ = json.Unmarshal(args, &v)
			return v, nil
		},
	}
}

func TestRegistryValidatesArguments(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Spec{
		Name:        "add_step",
		Description: "adds a step",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"search_name": {"type": "string"}
			},
			"required": ["search_name"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			return map[string]string{"ok": "yes"}, nil
		},
	}))

	out, err := r.Invoke(context.Background(), "add_step", json.RawMessage(`{"search_name":"GenesByText"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":"yes"}`, string(out))

	_, err = r.Invoke(context.Background(), "add_step", json.RawMessage(`{}`))
	te, ok := tools.AsError(err)
	require.True(t, ok)
	require.Equal(t, tools.CodeInvalidArguments, te.Code)

	_, err = r.Invoke(context.Background(), "add_step", json.RawMessage(`{"search_name":7}`))
	te, _ = tools.AsError(err)
	require.Equal(t, tools.CodeInvalidArguments, te.Code)
}

func TestRegistryUnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil)
	te, ok := tools.AsError(err)
	require.True(t, ok)
	require.Equal(t, tools.CodeUnknownTool, te.Code)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(echoSpec("echo")))
	require.Error(t, r.Register(echoSpec("echo")))
	require.Equal(t, []string{"echo"}, r.Names())
}

func TestRegistryNormalizesErrors(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Spec{
		Name:        "strategy_fail",
		Description: "fails with a strategy error",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, strategy.NewError(strategy.CodeNotFound, "no step s3").WithDetail("stepId", "s3")
		},
	}))
	require.NoError(t, r.Register(tools.Spec{
		Name:        "platform_fail",
		Description: "fails with a platform error",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, &wdk.Error{Status: 503, Message: "unavailable"}
		},
	}))
	require.NoError(t, r.Register(tools.Spec{
		Name:        "plain_fail",
		Description: "fails with a plain error",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	_, err := r.Invoke(context.Background(), "strategy_fail", nil)
	te, _ := tools.AsError(err)
	require.Equal(t, "NOT_FOUND", te.Code)
	require.Equal(t, "no step s3", te.Message)
	require.Equal(t, "s3", te.Details["stepId"])

	_, err = r.Invoke(context.Background(), "platform_fail", nil)
	te, _ = tools.AsError(err)
	require.Equal(t, tools.CodePlatformError, te.Code)
	require.Equal(t, 503, te.Details["status"])

	_, err = r.Invoke(context.Background(), "plain_fail", nil)
	te, _ = tools.AsError(err)
	require.Equal(t, tools.CodeToolFailed, te.Code)
}

func TestRegistrySerializesMutationsPerGraph(t *testing.T) {
	r := tools.NewRegistry()
	var active, maxActive int64
	require.NoError(t, r.Register(tools.Spec{
		Name:        "mutate",
		Description: "mutates a graph",
		Mutating:    true,
		LockKey: func(args json.RawMessage) string {
			var v struct {
				GraphID string `json:"graph_id"`
			}
			_ = json.Unmarshal(args, &v)
			return v.GraphID
		},
		Handler: func(context.Context, json.RawMessage) (any, error) {
			n := atomic.AddInt64(&active, 1)
			for {
				cur := atomic.LoadInt64(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt64(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil, nil
		},
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Invoke(context.Background(), "mutate", json.RawMessage(`{"graph_id":"g1"}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&maxActive))
}

func TestRegistryDifferentGraphsRunConcurrently(t *testing.T) {
	r := tools.NewRegistry()
	aEntered := make(chan struct{})
	bEntered := make(chan struct{})
	require.NoError(t, r.Register(tools.Spec{
		Name:        "mutate",
		Description: "mutates a graph",
		Mutating:    true,
		LockKey: func(args json.RawMessage) string {
			var v struct {
				GraphID string `json:"graph_id"`
			}
			_ = json.Unmarshal(args, &v)
			return v.GraphID
		},
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var v struct {
				GraphID string `json:"graph_id"`
			}
			_ = json.Unmarshal(args, &v)
			// Each handler waits for the other graph's handler to enter.
			// This only completes if the two graphs do not share a lock.
			switch v.GraphID {
			case "a":
				close(aEntered)
				select {
				case <-bEntered:
				case <-time.After(5 * time.Second):
					return nil, errors.New("graph b never entered")
				}
			case "b":
				close(bEntered)
				select {
				case <-aEntered:
				case <-time.After(5 * time.Second):
					return nil, errors.New("graph a never entered")
				}
			}
			return nil, nil
		},
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.Invoke(context.Background(), "mutate", json.RawMessage(`{"graph_id":"`+id+`"}`))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRegistrySubset(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(echoSpec("get_strategy")))
	require.NoError(t, r.Register(echoSpec("add_step")))
	require.NoError(t, r.Register(echoSpec("delegate_tasks")))

	sub := r.Subset("add_step", "get_strategy", "no_such_tool")
	require.Equal(t, []string{"add_step", "get_strategy"}, sub.Names())

	out, err := sub.Invoke(context.Background(), "add_step", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(out))

	_, err = sub.Invoke(context.Background(), "delegate_tasks", nil)
	te, ok := tools.AsError(err)
	require.True(t, ok)
	require.Equal(t, tools.CodeUnknownTool, te.Code)
}

func TestRegistrySubsetSharesGraphLocks(t *testing.T) {
	r := tools.NewRegistry()
	var active int32
	spec := tools.Spec{
		Name:        "mutate",
		Description: "mutates a graph",
		Mutating:    true,
		LockKey:     func(json.RawMessage) string { return "g1" },
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			if atomic.AddInt32(&active, 1) != 1 {
				return nil, errors.New("overlapping mutation")
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil, nil
		},
	}
	require.NoError(t, r.Register(spec))
	sub := r.Subset("mutate")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		reg := r
		if i%2 == 0 {
			reg = sub
		}
		wg.Add(1)
		go func(reg *tools.Registry) {
			defer wg.Done()
			_, err := reg.Invoke(context.Background(), "mutate", nil)
			errs <- err
		}(reg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
