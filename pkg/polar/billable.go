package polar

import (
	"context"
	"fmt"
	"strconv"
)

// Billable is implemented by application models that own billing state.
type Billable interface {
	// BillableID returns the stable identifier of the owner.
	BillableID() string
	// BillableType returns the discriminant of the owner model (e.g. "users").
	BillableType() string
}

// BillableRef is the (id, type) pair stored in Polar customer metadata.
type BillableRef struct {
	ID   string
	Type string
}

func (r BillableRef) BillableID() string   { return r.ID }
func (r BillableRef) BillableType() string { return r.Type }

func (r BillableRef) String() string {
	return r.Type + ":" + r.ID
}

// RefOf returns the reference of a billable.
func RefOf(b Billable) BillableRef {
	if ref, ok := b.(BillableRef); ok {
		return ref
	}
	return BillableRef{ID: b.BillableID(), Type: b.BillableType()}
}

// BillableLoader resolves a reference back to the application model.
type BillableLoader interface {
	LoadBillable(ctx context.Context, ref BillableRef) (Billable, error)
}

// BillableLoaderFunc adapts a function to BillableLoader.
type BillableLoaderFunc func(ctx context.Context, ref BillableRef) (Billable, error)

func (f BillableLoaderFunc) LoadBillable(ctx context.Context, ref BillableRef) (Billable, error) {
	return f(ctx, ref)
}

// RefLoader returns references unchanged. It is the default loader for
// applications that do not need their own model in emitted events.
type RefLoader struct{}

func (RefLoader) LoadBillable(_ context.Context, ref BillableRef) (Billable, error) {
	return ref, nil
}

// MetadataValue renders a metadata value the way Polar echoes it back.
// Numbers arrive as float64 from encoding/json.
func MetadataValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}
