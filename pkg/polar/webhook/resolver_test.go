package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/memory"
)

func TestRef(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		wantRef      polar.BillableRef
		wantCustomer string
		wantErr      bool
	}{
		{
			name:         "string id",
			data:         `{"customer_id":"cus_1","customer":{"id":"cus_1","metadata":{"billable_id":"42","billable_type":"users"}}}`,
			wantRef:      polar.BillableRef{ID: "42", Type: "users"},
			wantCustomer: "cus_1",
		},
		{
			name:         "numeric id",
			data:         `{"customer":{"id":"cus_2","metadata":{"billable_id":42,"billable_type":"teams"}}}`,
			wantRef:      polar.BillableRef{ID: "42", Type: "teams"},
			wantCustomer: "cus_2",
		},
		{
			name:         "customer_id wins over embedded id",
			data:         `{"customer_id":"cus_top","customer":{"id":"cus_nested","metadata":{"billable_id":"1","billable_type":"users"}}}`,
			wantRef:      polar.BillableRef{ID: "1", Type: "users"},
			wantCustomer: "cus_top",
		},
		{name: "no customer", data: `{"customer_id":"cus_1"}`, wantErr: true},
		{name: "empty array metadata", data: `{"customer":{"id":"c","metadata":[]}}`, wantErr: true},
		{name: "missing metadata", data: `{"customer":{"id":"c"}}`, wantErr: true},
		{name: "missing type", data: `{"customer":{"id":"c","metadata":{"billable_id":"1"}}}`, wantErr: true},
		{name: "null id", data: `{"customer":{"id":"c","metadata":{"billable_id":null,"billable_type":"users"}}}`, wantErr: true},
		{name: "empty id", data: `{"customer":{"id":"c","metadata":{"billable_id":"","billable_type":"users"}}}`, wantErr: true},
		{name: "empty type", data: `{"customer":{"id":"c","metadata":{"billable_id":"1","billable_type":""}}}`, wantErr: true},
		{name: "not an object", data: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, customerID, err := Ref(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, polar.ErrInvalidMetadataPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, ref)
			assert.Equal(t, tt.wantCustomer, customerID)
		})
	}
}

func TestHasCustomer(t *testing.T) {
	assert.True(t, HasCustomer(json.RawMessage(`{"customer":{"id":"c"}}`)))
	assert.False(t, HasCustomer(json.RawMessage(`{"customer":null}`)))
	assert.False(t, HasCustomer(json.RawMessage(`{"id":"s"}`)))
	assert.False(t, HasCustomer(json.RawMessage(`null`)))
}

func TestResolver_Resolve_Idempotent(t *testing.T) {
	storage := memory.New()
	r := NewResolver(storage, nil)
	ctx := context.Background()
	data := json.RawMessage(`{"customer_id":"cus_1","customer":{"id":"cus_1","metadata":{"billable_id":"1","billable_type":"users"}}}`)

	owner, first, err := r.Resolve(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, polar.Billable(testUser), owner)
	assert.Equal(t, "cus_1", first.PolarID)

	_, second, err := r.Resolve(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolver_Resolve_DoesNotOverwritePolarID(t *testing.T) {
	storage := memory.New()
	r := NewResolver(storage, nil)
	ctx := context.Background()

	_, err := storage.FirstOrCreateCustomer(ctx, testUser, "cus_old")
	require.NoError(t, err)

	_, customer, err := r.Resolve(ctx, json.RawMessage(`{"customer_id":"cus_new","customer":{"metadata":{"billable_id":"1","billable_type":"users"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "cus_old", customer.PolarID)
}

func TestResolver_LoaderError(t *testing.T) {
	missing := errors.New("user deleted")
	r := NewResolver(memory.New(), polar.BillableLoaderFunc(func(context.Context, polar.BillableRef) (polar.Billable, error) {
		return nil, missing
	}))

	_, _, err := r.Resolve(context.Background(), json.RawMessage(`{"customer":{"metadata":{"billable_id":"1","billable_type":"users"}}}`))
	assert.ErrorIs(t, err, missing)
}
