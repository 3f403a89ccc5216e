package nettable

import (
	"context"
	"fmt"
)

// PutBoolean writes a boolean under name.
func (n *Node) PutBoolean(ctx context.Context, name string, v bool) error {
	return n.Set(ctx, name, Boolean(v))
}

// PutDouble writes a double under name.
func (n *Node) PutDouble(ctx context.Context, name string, v float64) error {
	return n.Set(ctx, name, Double(v))
}

// PutString writes a string under name.
func (n *Node) PutString(ctx context.Context, name string, v string) error {
	return n.Set(ctx, name, String(v))
}

// PutRaw writes a copy of v under name.
func (n *Node) PutRaw(ctx context.Context, name string, v []byte) error {
	return n.Set(ctx, name, Raw(v))
}

// PutBooleanArray writes a copy of v under name.
func (n *Node) PutBooleanArray(ctx context.Context, name string, v []bool) error {
	return n.Set(ctx, name, BooleanArray(v))
}

// PutDoubleArray writes a copy of v under name.
func (n *Node) PutDoubleArray(ctx context.Context, name string, v []float64) error {
	return n.Set(ctx, name, DoubleArray(v))
}

// PutStringArray writes a copy of v under name.
func (n *Node) PutStringArray(ctx context.Context, name string, v []string) error {
	return n.Set(ctx, name, StringArray(v))
}

// GetBoolean returns the boolean stored under name.
// It returns ErrTypeMismatch when name holds another type.
func (n *Node) GetBoolean(ctx context.Context, name string) (bool, error) {
	return getAs(n, ctx, name, TypeBoolean, Value.AsBoolean)
}

// GetDouble returns the double stored under name.
func (n *Node) GetDouble(ctx context.Context, name string) (float64, error) {
	return getAs(n, ctx, name, TypeDouble, Value.AsDouble)
}

// GetString returns the string stored under name.
func (n *Node) GetString(ctx context.Context, name string) (string, error) {
	return getAs(n, ctx, name, TypeString, Value.AsString)
}

// GetRaw returns a copy of the stored bytes.
func (n *Node) GetRaw(ctx context.Context, name string) ([]byte, error) {
	return getAs(n, ctx, name, TypeRaw, Value.AsRaw)
}

// GetBooleanArray returns a copy of the booleans stored under name.
func (n *Node) GetBooleanArray(ctx context.Context, name string) ([]bool, error) {
	return getAs(n, ctx, name, TypeBooleanArray, Value.AsBooleanArray)
}

// GetDoubleArray returns a copy of the doubles stored under name.
func (n *Node) GetDoubleArray(ctx context.Context, name string) ([]float64, error) {
	return getAs(n, ctx, name, TypeDoubleArray, Value.AsDoubleArray)
}

// GetStringArray returns a copy of the strings stored under name.
func (n *Node) GetStringArray(ctx context.Context, name string) ([]string, error) {
	return getAs(n, ctx, name, TypeStringArray, Value.AsStringArray)
}

func getAs[T any](n *Node, ctx context.Context, name string, t Type, as func(Value) (T, bool)) (T, error) {
	var zero T
	v, err := n.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	out, ok := as(v)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %s, not %s", ErrTypeMismatch, name, v.Type(), t)
	}
	return out, nil
}
