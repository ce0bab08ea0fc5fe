package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"leakwatch/internal/model"
)

// ReadCSV loads visit records from a CSV file.
func ReadCSV(path string) ([]model.LocationRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.LocationRecord, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == header[0] {
		start = 1
	}

	items := make([]model.LocationRecord, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := unixOrRFC3339(rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		items = append(items, model.LocationRecord{
			ObservedAt: ts,
			Address:    rec[1],
			Country:    rec[2],
			Region:     rec[3],
			City:       rec[4],
			Latitude:   rec[5],
			Longitude:  rec[6],
			Timezone:   rec[7],
			ISP:        rec[8],
		})
	}

	return items, nil
}
