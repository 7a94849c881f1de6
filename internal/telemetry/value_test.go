package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Variants(t *testing.T) {
	t.Run("integer", func(t *testing.T) {
		v := IntValue(42)
		assert.Equal(t, KindInteger, v.Kind())
		i, ok := v.Int()
		require.True(t, ok)
		assert.Equal(t, int64(42), i)
		f, ok := v.Float()
		require.True(t, ok)
		assert.Equal(t, 42.0, f)
		_, ok = v.Str()
		assert.False(t, ok)
	})

	t.Run("double", func(t *testing.T) {
		v := FloatValue(1.5)
		_, ok := v.Int()
		assert.False(t, ok)
		f, ok := v.Float()
		require.True(t, ok)
		assert.Equal(t, 1.5, f)
	})

	t.Run("string is not numeric", func(t *testing.T) {
		v := StringValue("MI300X")
		_, ok := v.Float()
		assert.False(t, ok)
		s, ok := v.Str()
		require.True(t, ok)
		assert.Equal(t, "MI300X", s)
	})

	t.Run("blob is copied", func(t *testing.T) {
		raw := []byte{1, 2, 3}
		v := BlobValue(raw)
		raw[0] = 9
		b, ok := v.Blob()
		require.True(t, ok)
		assert.Equal(t, []byte{1, 2, 3}, b)
		b[1] = 9
		again, _ := v.Blob()
		assert.Equal(t, []byte{1, 2, 3}, again)
	})

	t.Run("zero value is invalid", func(t *testing.T) {
		var v Value
		assert.False(t, v.IsValid())
		assert.Equal(t, "<invalid>", v.String())
	})
}

func TestValue_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(IntValue(5000000))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"integer","value":5000000}`, string(data))

	data, err = json.Marshal(StringValue("card0"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"string","value":"card0"}`, string(data))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: StatusOK},
		{name: "wrapped not found", err: fmt.Errorf("job x: %w", ErrNotFound), want: StatusNotFound},
		{name: "not yet available", err: fmt.Errorf("pcie: %w", ErrNotAvailable), want: StatusNotFound},
		{name: "conflict", err: ErrConflict, want: StatusConflict},
		{name: "hardware", err: fmt.Errorf("%w: read failed", ErrHardware), want: StatusHardwareError},
		{name: "plain error", err: errors.New("boom"), want: StatusInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestNotYetAvailableIsNotFound(t *testing.T) {
	err := fmt.Errorf("gpu0/pcie_tx: %w", ErrNotAvailable)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(ErrNotFound, ErrNotAvailable))
}

func TestFields(t *testing.T) {
	info, ok := LookupField(FieldPowerUsage)
	require.True(t, ok)
	assert.Equal(t, "power_usage", info.Name)
	assert.False(t, FieldPowerUsage.IsSlow())
	assert.True(t, FieldPCIeTx.IsSlow())

	byName, ok := FieldByName(" GPU_UTIL ")
	require.True(t, ok)
	assert.Equal(t, FieldGPUUtil, byName.ID)

	assert.NoError(t, ValidateFields([]FieldID{FieldGPUClock, FieldMemoryTotal}))
	err := ValidateFields([]FieldID{FieldGPUClock, 9999})
	assert.ErrorIs(t, err, ErrBadParameter)

	all := AllFields()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
	assert.Equal(t, "field_9999", FieldID(9999).String())
}
