package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	a, err := NewCSVSource(FormatCSV, "", "", nil)
	require.NoError(t, err)
	b, err := NewCSVSource(FormatCSV, ";", "", nil)
	require.NoError(t, err)

	_, err = NewRegistry(a, b)
	assert.ErrorContains(t, err, "duplicate source registered for format 'csv'")

	_, err = NewRegistry(a, nil)
	assert.Error(t, err)

	empty, err := NewCSVSource("", "", "", nil)
	require.NoError(t, err)
	_, err = NewRegistry(empty)
	assert.ErrorContains(t, err, "empty format")
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewDefaultRegistry(SourceOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []Format{FormatCSV, FormatTSV, FormatXLSX, FormatJSONL}, reg.Formats())

	src, err := reg.Resolve(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, src.Format())

	_, err = reg.Resolve("parquet")
	var unsupported *UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, Format("parquet"), unsupported.Format)
	assert.Contains(t, err.Error(), "jsonl")
}

func TestNewDefaultRegistryBadOptions(t *testing.T) {
	_, err := NewDefaultRegistry(SourceOptions{CSVDelimiter: "||"}, nil)
	assert.ErrorContains(t, err, "csv source")
}

func TestFormatFromPath(t *testing.T) {
	testCases := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"products.csv", FormatCSV, false},
		{"/data/PRODUCTS.CSV", FormatCSV, false},
		{"export.tsv", FormatTSV, false},
		{"book.xlsx", FormatXLSX, false},
		{"s3://feeds/daily/events.ndjson", FormatJSONL, false},
		{"events.jsonl", FormatJSONL, false},
		{"archive.zip", "", true},
		{"noext", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := FormatFromPath(tc.path)
			if tc.wantErr {
				var unsupported *UnsupportedFormatError
				assert.ErrorAs(t, err, &unsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
