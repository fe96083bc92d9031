package telemetry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Report block markers.
const (
	ReportBegin    = "BEGIN REPORT"
	ReportEnd      = "END REPORT"
	EmergencyBegin = "BEGIN EMERGENCY"
	EmergencyEnd   = "END EMERGENCY"
)

// Category status tags.
const (
	StatusOK     = "OK"
	StatusAlert  = "ALERT"
	StatusNoData = "NO_DATA"
)

// TagIntegrity is the tag carrying the integrity hash of the block body.
const TagIntegrity = "integrity"

// ErrMalformedReport is returned by DecodeReport for input that is not a report block.
var ErrMalformedReport = errors.New("MALFORMED_REPORT")

// Report is one cycle's distribution payload.
type Report struct {
	PlantID     string
	Cycle       uint64
	Timestamp   time.Time
	Batch       ProcessedBatch
	FailedReads int
	// Integrity is appended as the last tag when non-empty. It is computed over
	// the encoding of the same report with Integrity unset.
	Integrity string
}

// EncodeReport renders r as a tagged block. Output is deterministic for equal input.
func EncodeReport(r Report) []byte {
	var buf bytes.Buffer
	buf.WriteString(ReportBegin + "\n")
	writeTag(&buf, "plant_id", r.PlantID)
	writeTag(&buf, "cycle", strconv.FormatUint(r.Cycle, 10))
	writeTag(&buf, "timestamp", r.Timestamp.UTC().Format(time.RFC3339Nano))

	var alerted []string
	for _, c := range Categories {
		latest := r.Batch.LatestFor(c)
		status := StatusOK
		switch {
		case !latest.Present:
			status = StatusNoData
		case r.Batch.IsBreached(c):
			status = StatusAlert
			alerted = append(alerted, c.String())
		}

		prefix := c.String() + "."
		if latest.Present {
			writeTag(&buf, prefix+"current", FormatValue(latest.Value))
		} else {
			writeTag(&buf, prefix+"current", "")
		}
		writeTag(&buf, prefix+"average", FormatValue(r.Batch.Averages.For(c)))
		writeTag(&buf, prefix+"threshold", FormatValue(r.Batch.Thresholds.For(c)))
		writeTag(&buf, prefix+"unit", c.Unit())
		writeTag(&buf, prefix+"status", status)
	}

	writeTag(&buf, "readings.accepted", strconv.Itoa(len(r.Batch.Readings)))
	writeTag(&buf, "readings.rejected", strconv.Itoa(len(r.Batch.Rejected)))
	writeTag(&buf, "readings.failed", strconv.Itoa(r.FailedReads))
	writeTag(&buf, "alert.active", strconv.FormatBool(r.Batch.AlertTriggered))
	writeTag(&buf, "alert.list", strings.Join(alerted, ","))
	writeTag(&buf, "alert.message", r.Batch.AlertMessage)
	if r.Integrity != "" {
		writeTag(&buf, TagIntegrity, r.Integrity)
	}
	buf.WriteString(ReportEnd + "\n")
	return buf.Bytes()
}

// EncodeEmergency renders the final block sent to subscribers on emergency shutdown.
func EncodeEmergency(plantID, reason string, at time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(EmergencyBegin + "\n")
	writeTag(&buf, "plant_id", plantID)
	writeTag(&buf, "timestamp", at.UTC().Format(time.RFC3339Nano))
	writeTag(&buf, "reason", reason)
	buf.WriteString(EmergencyEnd + "\n")
	return buf.Bytes()
}

// DecodeReport parses a block produced by EncodeReport or EncodeEmergency into
// its tag map.
func DecodeReport(data []byte) (map[string]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var end string
	tags := make(map[string]string)
	closed := false

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if end == "" {
			switch line {
			case "":
				continue
			case ReportBegin:
				end = ReportEnd
			case EmergencyBegin:
				end = EmergencyEnd
			default:
				return nil, fmt.Errorf("%w: unexpected header %q", ErrMalformedReport, line)
			}
			continue
		}
		if line == end {
			closed = true
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: line %q is not a tag", ErrMalformedReport, line)
		}
		tags[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if !closed {
		return nil, fmt.Errorf("%w: missing end marker", ErrMalformedReport)
	}
	return tags, nil
}

// writeTag keeps every tag on one line; newlines in values are flattened.
func writeTag(buf *bytes.Buffer, key, value string) {
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte('\n')
}
