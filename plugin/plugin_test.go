package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newHelloRegistry() *Registry {
	r := NewRegistry()
	r.Register("hello.add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		var sum int64
		for _, a := range args {
			n, err := a.(json.Number).Int64()
			if err != nil {
				return nil, err
			}
			sum += n
		}
		return sum, nil
	})
	r.Register("hello.greet", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		greeting := "hello"
		if g, ok := kwargs["greeting"].(string); ok {
			greeting = g
		}
		return fmt.Sprintf("%s %v", greeting, args[0]), nil
	})
	return r
}

func TestRegistryInvoke(t *testing.T) {
	r := newHelloRegistry()

	out, err := r.Invoke(context.Background(), "hello.add", "[1, 2]", "{}")
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != "3" {
		t.Errorf("hello.add = %s, want 3", out)
	}

	out, err = r.Invoke(context.Background(), "hello.greet", `["confvm"]`, `{"greeting": "hi"}`)
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != `"hi confvm"` {
		t.Errorf("hello.greet = %s, want \"hi confvm\"", out)
	}
}

func TestRegistryUnknownFunction(t *testing.T) {
	r := newHelloRegistry()
	_, err := r.Invoke(context.Background(), "hello.nope", "[]", "{}")
	if !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("error = %v, want ErrUnknownFunction", err)
	}
	if got := r.List(); len(got) != 2 || got[0] != "hello.add" {
		t.Errorf("List() = %v", got)
	}
}

func TestInvokeWithoutAgent(t *testing.T) {
	_, err := Invoke(context.Background(), nil, "hello.add", []any{1}, nil)
	var ce *CallError
	if !errors.As(err, &ce) || !errors.Is(err, ErrNoAgent) {
		t.Fatalf("error = %v, want CallError wrapping ErrNoAgent", err)
	}
	if ce.Method != "hello.add" {
		t.Errorf("CallError.Method = %q", ce.Method)
	}
}

func TestInvokeRejectsNonJSONResult(t *testing.T) {
	agent := Func(func(ctx context.Context, method, args, kwargs string) (string, error) {
		return "not json", nil
	})
	if _, err := Invoke(context.Background(), agent, "x.y", nil, nil); err == nil {
		t.Fatal("expected error for non-JSON result")
	}
}

func TestInvokeEncodesArguments(t *testing.T) {
	var gotArgs, gotKwargs string
	agent := Func(func(ctx context.Context, method, args, kwargs string) (string, error) {
		gotArgs, gotKwargs = args, kwargs
		return "42", nil
	})
	out, err := Invoke(context.Background(), agent, "m.f", []any{"a", 1.5, true}, nil)
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != "42" {
		t.Errorf("result = %s, want 42", out)
	}
	if gotArgs != `["a",1.5,true]` {
		t.Errorf("args = %s", gotArgs)
	}
	if gotKwargs != `{}` {
		t.Errorf("kwargs = %s", gotKwargs)
	}
}

func TestRegistryConcurrentInvoke(t *testing.T) {
	r := newHelloRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				out, err := r.Invoke(context.Background(), "hello.add", fmt.Sprintf("[%d, %d]", i, j), "{}")
				if err != nil {
					errs <- err
					return
				}
				if out != fmt.Sprint(i+j) {
					errs <- fmt.Errorf("hello.add(%d, %d) = %s", i, j, out)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
