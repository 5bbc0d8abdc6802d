package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/hoosegow/pkg/inmate"
)

// demoInmate is the method table compiled into this binary. The same table
// serves the trusted side in development mode and the sandbox side in the
// inmate command.
func demoInmate() inmate.Methods {
	return inmate.Methods{
		"reverse": reverse,
		"echo":    echo,
		"count":   count,
		"fail":    fail,
	}
}

func demoRegistry() *inmate.Registry {
	reg, err := inmate.Load(func() (inmate.Inmate, error) {
		return demoInmate(), nil
	})
	if err != nil {
		panic(err)
	}
	return reg
}

func reverse(_ context.Context, args []any, _ inmate.YieldFunc) (any, error) {
	if len(args) != 1 {
		return nil, inmate.Errorf("ArgumentError", "wrong number of arguments (given %d, expected 1)", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, inmate.Errorf("TypeError", "expected a string, got %T", args[0])
	}
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

func echo(_ context.Context, args []any, _ inmate.YieldFunc) (any, error) {
	return args, nil
}

// count yields 1..n and prints a line per step, so yields and plain
// output travel together.
func count(ctx context.Context, args []any, yield inmate.YieldFunc) (any, error) {
	n := int64(3)
	if len(args) > 0 {
		switch v := args[0].(type) {
		case int64:
			n = v
		case uint64:
			n = int64(v)
		case float64:
			n = int64(v)
		default:
			return nil, inmate.Errorf("TypeError", "expected a number, got %T", args[0])
		}
	}
	for i := int64(1); i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Printf("counting %d of %d\n", i, n)
		if err := yield(i); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func fail(_ context.Context, args []any, _ inmate.YieldFunc) (any, error) {
	msg := "failed on purpose"
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		msg = strings.Join(parts, " ")
	}
	return nil, inmate.NewError("DemoError", msg)
}
