package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leakwatch/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "visits.csv")

	r1 := model.LocationRecord{ObservedAt: 1, Address: "203.0.113.1", Country: "JP"}
	r2 := model.LocationRecord{ObservedAt: 2, Address: "203.0.113.2", Country: "US"}

	if err := AppendCSV(path, []model.LocationRecord{r1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.LocationRecord{r2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,ip,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteThenRead_PreservesProviderText(t *testing.T) {
	t.Parallel()

	in := []model.LocationRecord{
		{ObservedAt: 1700000000, Address: "203.0.113.7", Country: "JP", Region: "Tokyo", City: "Tokyo", Latitude: "35.6895", Longitude: "139.69171", Timezone: "Asia/Tokyo", ISP: "Example, Inc."},
		model.UnknownRecord("198.51.100.1", model.LocationRecord{ObservedAt: 1700000100}.Observed()),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))

	out, err := readCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadCSV_AcceptsEpochSecondsAndRejectsShortRows(t *testing.T) {
	t.Parallel()

	out, err := readCSV(strings.NewReader("1700000000,1.1.1.1,AU,NSW,Sydney,-33.8,151.2,Australia/Sydney,APNIC\n"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1700000000), out[0].ObservedAt)

	_, err = readCSV(strings.NewReader("1700000000,1.1.1.1\n"))
	assert.Error(t, err)

	_, err = readCSV(strings.NewReader("yesterday,1.1.1.1,AU,NSW,Sydney,-33.8,151.2,Australia/Sydney,APNIC\n"))
	assert.ErrorContains(t, err, "invalid timestamp at line 1")
}
