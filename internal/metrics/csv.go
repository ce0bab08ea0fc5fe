package metrics

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"leakwatch/internal/model"
)

var header = []string{
	"timestamp",
	"ip",
	"country",
	"region",
	"city",
	"latitude",
	"longitude",
	"timezone",
	"isp",
}

// WriteCSV writes visit records to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.LocationRecord) error {
	return writeRows(w, items, true)
}

// AppendCSV appends visit records to the file at path, writing the header
// only when the file is new or empty. Callers serialize appends to one path.
func AppendCSV(path string, items []model.LocationRecord) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	if err := writeRows(file, items, info.Size() == 0); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeRows(w io.Writer, items []model.LocationRecord, withHeader bool) error {
	writer := csv.NewWriter(w)
	if withHeader {
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, r := range items {
		record := []string{
			r.Observed().Format(time.RFC3339),
			r.Address,
			r.Country,
			r.Region,
			r.City,
			r.Latitude,
			r.Longitude,
			r.Timezone,
			r.ISP,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// unixOrRFC3339 accepts both the exported RFC3339 form and raw epoch seconds.
func unixOrRFC3339(value string) (int64, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.Unix(), nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.New("not RFC3339 or epoch seconds")
	}
	return n, nil
}
