package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meshmon/internal/model"
)

var header = []string{
	"timestamp",
	"target",
	"status",
	"rtt_ms",
	"hops_to",
	"hops_back",
	"route",
	"route_back",
	"snr",
	"snr_towards",
	"snr_back",
}

// minColumns is the width of files written before the per-hop SNR columns.
const minColumns = 9

// routeSep joins relay ids inside a single CSV cell.
const routeSep = ";"

// WriteCSV writes probe results to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.ProbeResult) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends probe results to path, writing the header only when the
// file is new or empty.
func AppendCSV(path string, items []model.ProbeResult) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.ProbeResult) error {
	for _, r := range items {
		snr := ""
		if r.SNR != nil {
			snr = strconv.FormatFloat(*r.SNR, 'f', 2, 64)
		}
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Target,
			string(r.Status),
			strconv.FormatFloat(float64(r.RTT)/float64(time.Millisecond), 'f', 3, 64),
			strconv.Itoa(r.HopsTo),
			strconv.Itoa(r.HopsBack),
			strings.Join(r.Route, routeSep),
			strings.Join(r.RouteBack, routeSep),
			snr,
			joinSNRs(r.SNRTowards),
			joinSNRs(r.SNRBack),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func joinSNRs(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strings.Join(parts, routeSep)
}
