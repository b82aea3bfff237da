package instrument

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ofdrgate/pkg/device"
)

// checksumTolerance is the maximum accepted drift between a frame's
// declared checksum and the recomputed one.
const checksumTolerance = 0.1

// Fmt5 normalizes a width/center value to the instrument's fixed 5-char
// field: truncate to the last five characters, then left-pad with zeros.
func Fmt5(s string) string {
	if len(s) > 5 {
		s = s[len(s)-5:]
	}
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}

// LenientFloat parses a numeric field the way the instrument emits them:
// only digits, '.' and '-' count, trailing unit text is ignored.
func LenientFloat(s string) (float64, error) {
	var sb strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			sb.WriteRune(r)
		}
	}
	cleaned := sb.String()
	if cleaned == "" {
		return 0, errors.New("no numeric content")
	}
	return strconv.ParseFloat(cleaned, 64)
}

// TokenSum computes the command/response checksum base: the sum of the
// absolute values of every numeric token, where digit runs embedded in
// non-numeric tokens (serial numbers) contribute as integers.
func TokenSum(fields []string) float64 {
	sum := 0.0
	for _, f := range fields {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			sum += math.Abs(v)
			continue
		}
		sum += embeddedDigitSum(f)
	}
	return sum
}

// embeddedDigitSum sums the integer digit runs inside a mixed token, e.g.
// "FLA-205B7" contributes 205 + 7.
func embeddedDigitSum(s string) float64 {
	sum := 0.0
	run := 0.0
	inRun := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			run = run*10 + float64(r-'0')
			inRun = true
			continue
		}
		if inRun {
			sum += run
			run, inRun = 0, false
		}
	}
	if inRun {
		sum += run
	}
	return sum
}

// FormatChecksum renders a checksum the way both sides of the protocol do:
// fixed three decimals.
func FormatChecksum(sum float64) string {
	return strconv.FormatFloat(sum, 'f', 3, 64)
}

// BuildAutoPeakCommand assembles the SCAN_..._NACS command including its
// checksum over every numeric token (serial-number digits included).
func BuildAutoPeakCommand(start, end float64, count, algo int, width, threshold float64, id, sn string) string {
	fields := []string{
		strconv.FormatFloat(start, 'f', 3, 64),
		strconv.FormatFloat(end, 'f', 3, 64),
		strconv.Itoa(count),
		strconv.Itoa(algo),
		strconv.FormatFloat(width, 'f', 3, 64),
		strconv.FormatFloat(threshold, 'f', 3, 64),
		id,
		sn,
	}
	checksum := FormatChecksum(TokenSum(fields))
	return "SCAN_" + strings.Join(fields, "_") + "_" + checksum + "_NACS"
}

// TryParseFrame validates and decodes one OP_..._PO auto-peak frame. The
// frame carries pairs of (position, power) and a trailing checksum over
// the frame's own numeric fields; a drift beyond the tolerance rejects
// the frame.
func TryParseFrame(line string) ([]device.Peak, error) {
	if !strings.HasPrefix(line, "OP_") || !strings.HasSuffix(line, "_PO") {
		return nil, fmt.Errorf("not an OP frame: %q", line)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, "OP_"), "_PO")
	fields := strings.Split(body, "_")
	if len(fields) < 3 {
		return nil, fmt.Errorf("truncated frame: %q", line)
	}

	declared, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return nil, fmt.Errorf("bad frame checksum field %q", fields[len(fields)-1])
	}
	payload := fields[:len(fields)-1]
	if math.Abs(TokenSum(payload)-declared) > checksumTolerance {
		return nil, fmt.Errorf("%w: declared %s computed %s",
			ErrChecksumMismatch, FormatChecksum(declared), FormatChecksum(TokenSum(payload)))
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("odd peak field count in %q", line)
	}

	peaks := make([]device.Peak, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		pos, err := strconv.ParseFloat(payload[i], 64)
		if err != nil {
			return nil, fmt.Errorf("bad peak position %q", payload[i])
		}
		pow, err := strconv.ParseFloat(payload[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad peak power %q", payload[i+1])
		}
		peaks = append(peaks, device.Peak{PositionM: pos, PowerDB: pow})
	}
	return peaks, nil
}

// BuildFrame renders peaks as an OP_..._PO frame with a valid checksum.
// The sim instrument and tests share it.
func BuildFrame(peaks []device.Peak) string {
	fields := make([]string, 0, len(peaks)*2)
	for _, p := range peaks {
		fields = append(fields,
			strconv.FormatFloat(p.PositionM, 'f', 3, 64),
			strconv.FormatFloat(p.PowerDB, 'f', 3, 64))
	}
	checksum := FormatChecksum(TokenSum(fields))
	return "OP_" + strings.Join(fields, "_") + "_" + checksum + "_PO"
}
