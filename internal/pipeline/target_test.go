package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopFactory(string, []string) (BatchWriter, error) { return &recordingWriter{}, nil }

func TestNewTargetRegistryValidation(t *testing.T) {
	valid := itemTarget()

	noTable := itemTarget()
	noTable.Name = "no-table"
	noTable.Table = ""

	noKey := itemTarget()
	noKey.Name = "no-key"
	noKey.ConflictKey = nil

	noMapper := itemTarget()
	noMapper.Name = "no-mapper"
	noMapper.Mapper = nil

	dup := itemTarget()
	dup.Name = " ITEM "

	_, err := NewTargetRegistry(nopFactory, valid, noTable, noKey, noMapper, dup, Target{})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "target 'no-table': table is required")
	assert.Contains(t, msg, "target 'no-key': conflict key is required")
	assert.Contains(t, msg, "target 'no-mapper': validator and mapper are required")
	assert.Contains(t, msg, "target ' ITEM ': registered more than once")
	assert.Contains(t, msg, "target 5: name is required")

	_, err = NewTargetRegistry(nil, valid)
	assert.Error(t, err)
}

func TestTargetRegistryResolve(t *testing.T) {
	other := itemTarget()
	other.Name = "Price"
	other.Table = "prices"

	var gotTable string
	var gotKey []string
	reg, err := NewTargetRegistry(func(table string, key []string) (BatchWriter, error) {
		gotTable, gotKey = table, key
		return &recordingWriter{}, nil
	}, itemTarget(), other)
	require.NoError(t, err)

	assert.Equal(t, []string{"item", "Price"}, reg.Names())
	assert.Len(t, reg.Targets(), 2)

	pipe, err := reg.Resolve("price")
	require.NoError(t, err)
	assert.Equal(t, "Price", pipe.Target.Name)
	assert.NotNil(t, pipe.Writer)
	assert.Equal(t, "prices", gotTable)
	assert.Equal(t, []string{"sku"}, gotKey)

	_, err = reg.Lookup("nope")
	var unsupported *UnsupportedTargetError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "unsupported import target 'nope' (known: item, Price)", err.Error())
}

func TestTargetRegistryCheckBatchSize(t *testing.T) {
	narrow := itemTarget()
	narrow.Columns = []string{"sku", "price"}
	wide := itemTarget()
	wide.Name = "wide"
	wide.Columns = []string{"a", "b", "c", "d", "e", "f", "g"}

	reg, err := NewTargetRegistry(nopFactory, narrow, wide)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		batchSize int
		want      string
	}{
		{name: "fits every target", batchSize: 9362},
		{name: "too wide for one target", batchSize: 9363, want: "- target 'wide': batch size 9363 x 7 columns needs 65541 bind parameters, limit is 65535 (use a batch size of at most 9362)"},
		{name: "too wide for both", batchSize: 40000, want: "- target 'item': batch size 40000 x 2 columns"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.CheckBatchSize(tc.batchSize, 65535)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTargetRegistryWriterFactoryError(t *testing.T) {
	cause := errors.New("pool closed")
	reg, err := NewTargetRegistry(func(string, []string) (BatchWriter, error) { return nil, cause }, itemTarget())
	require.NoError(t, err)

	_, err = reg.Resolve("item")
	assert.ErrorIs(t, err, cause)
}

func TestFieldsRecord(t *testing.T) {
	f := Fields{{Name: "sku", Value: "A-1"}, {Name: "stock", Value: int64(3)}}
	assert.Equal(t, []string{"sku", "stock"}, f.Columns())
	assert.Equal(t, []any{"A-1", int64(3)}, f.Values())
	v, ok := f.Get("stock")
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	_, ok = f.Get("price")
	assert.False(t, ok)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "row 3: a; b", (&RowValidationError{Row: 3, Violations: []string{"a", "b"}}).Error())
	assert.Equal(t, "row 4: price: bad", (&MappingError{Row: 4, Field: "price", Err: errors.New("bad")}).Error())
	assert.Equal(t, "writing batch 2 (10 records, rows 11-20): boom",
		(&BatchWriteError{Batch: 2, Rows: 10, FirstRow: 11, LastRow: 20, Err: errors.New("boom")}).Error())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestOutcome(t *testing.T) {
	assert.True(t, Outcome(nil).Valid)
	out := Outcome([]string{"sku is required"})
	assert.False(t, out.Valid)
	assert.Equal(t, []string{"sku is required"}, out.Violations)
}
