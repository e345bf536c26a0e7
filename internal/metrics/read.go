package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"meshmon/internal/model"
)

// ReadCSV loads probe results from a CSV file.
func ReadCSV(path string) ([]model.ProbeResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.ProbeResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.ProbeResult, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < minColumns {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		rttMs, _ := strconv.ParseFloat(rec[3], 64)
		hopsTo, _ := strconv.Atoi(rec[4])
		hopsBack, _ := strconv.Atoi(rec[5])

		res := model.ProbeResult{
			Timestamp: ts,
			Target:    rec[1],
			Status:    model.ProbeStatus(rec[2]),
			RTT:       time.Duration(rttMs * float64(time.Millisecond)),
			HopsTo:    hopsTo,
			HopsBack:  hopsBack,
			Route:     splitRoute(rec[6]),
			RouteBack: splitRoute(rec[7]),
		}
		if rec[8] != "" {
			if snr, err := strconv.ParseFloat(rec[8], 64); err == nil {
				res.SNR = &snr
			}
		}
		if len(rec) >= len(header) {
			res.SNRTowards = splitSNRs(rec[9])
			res.SNRBack = splitSNRs(rec[10])
		}
		items = append(items, res)
	}

	return items, nil
}

func splitRoute(cell string) []string {
	if cell == "" {
		return nil
	}
	return strings.Split(cell, routeSep)
}

func splitSNRs(cell string) []float64 {
	if cell == "" {
		return nil
	}
	parts := strings.Split(cell, routeSep)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseFloat(p, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
