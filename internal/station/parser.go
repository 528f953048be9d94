package station

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// Initialization line: id, start date, end date, elevation, lat, lon,
// free-text name/region (ignored). Lines that don't match are rejected
// individually, never failing the whole file.
var initLinePattern = regexp.MustCompile(
	`^(\d+)\s+(\d{8})\s+(\d{8})\s+(-?\d+)\s+(-?\d+(?:\.\d+)?)\s+(-?\d+(?:\.\d+)?)\s+\S`)

const (
	dateLayout      = "20060102"
	timestampLayout = "2006010215"

	fieldSeparator  = ";"
	endOfRecordCol  = "eor"
	initHeaderLines = 2
)

// ParseInitLine parses one initialization-file line into a placeholder
// Record. The second return is false for lines that don't match the format.
func ParseInitLine(line string) (Record, bool) {
	m := initLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Record{}, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id < 0 {
		return Record{}, false
	}
	from, err1 := time.ParseInLocation(dateLayout, m[2], time.UTC)
	to, err2 := time.ParseInLocation(dateLayout, m[3], time.UTC)
	if err1 != nil || err2 != nil {
		return Record{}, false
	}
	height, err := strconv.Atoi(m[4])
	if err != nil {
		return Record{}, false
	}
	lat, err1 := strconv.ParseFloat(m[5], 64)
	lon, err2 := strconv.ParseFloat(m[6], 64)
	if err1 != nil || err2 != nil {
		return Record{}, false
	}
	return Record{ID: id, From: from, To: to, Height: height, Lat: lat, Lon: lon}, true
}

// decodedScanner wraps a station file in the Windows-1252 decoder the source
// network publishes in.
func decodedScanner(f *os.File) *bufio.Scanner {
	return bufio.NewScanner(charmap.Windows1252.NewDecoder().Reader(f))
}

// ReadInitFile parses every station line of an initialization file, skipping
// the two header lines and any line that fails the pattern.
func ReadInitFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open init file %s: %w", path, err)
	}
	defer f.Close()

	var (
		records  []Record
		rejected int
		lineNo   int
	)
	scanner := decodedScanner(f)
	for scanner.Scan() {
		lineNo++
		if lineNo <= initHeaderLines {
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, ok := ParseInitLine(line)
		if !ok {
			rejected++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read init file %s: %w", path, err)
	}
	return records, rejected, nil
}

// splitColumns splits a semicolon-delimited line and trims each field. The
// source files pad column names and values with spaces.
func splitColumns(line string) []string {
	cols := strings.Split(line, fieldSeparator)
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

// ReadDataFileMeta extracts the station id, parameter list and time span of
// a data file. Parameters are the header columns between the quality flag
// and the end-of-record marker. The first timestamp comes from the first
// data line; the last from a backward seek, so the body is never scanned.
func ReadDataFileMeta(path string) (DataFileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return DataFileMeta{}, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer f.Close()

	scanner := decodedScanner(f)
	if !scanner.Scan() {
		return DataFileMeta{}, fmt.Errorf("data file %s is empty", path)
	}
	header := splitColumns(scanner.Text())
	if len(header) < 5 || !strings.EqualFold(header[len(header)-1], endOfRecordCol) {
		return DataFileMeta{}, fmt.Errorf("data file %s has an unrecognized header", path)
	}
	params := header[3 : len(header)-1]

	if !scanner.Scan() {
		return DataFileMeta{}, fmt.Errorf("data file %s has no data rows", path)
	}
	firstCols := splitColumns(scanner.Text())
	if len(firstCols) < 2 {
		return DataFileMeta{}, fmt.Errorf("data file %s has a malformed first row", path)
	}
	id, err := strconv.Atoi(firstCols[0])
	if err != nil {
		return DataFileMeta{}, fmt.Errorf("data file %s has a bad station id %q: %w", path, firstCols[0], err)
	}
	first, err := time.ParseInLocation(timestampLayout, firstCols[1], time.UTC)
	if err != nil {
		return DataFileMeta{}, fmt.Errorf("data file %s has a bad first timestamp: %w", path, err)
	}

	lastLine, err := readLastLine(f)
	if err != nil {
		return DataFileMeta{}, fmt.Errorf("failed to locate last row of %s: %w", path, err)
	}
	lastCols := splitColumns(lastLine)
	if len(lastCols) < 2 {
		return DataFileMeta{}, fmt.Errorf("data file %s has a malformed last row", path)
	}
	last, err := time.ParseInLocation(timestampLayout, lastCols[1], time.UTC)
	if err != nil {
		return DataFileMeta{}, fmt.Errorf("data file %s has a bad last timestamp: %w", path, err)
	}

	return DataFileMeta{StationID: id, Params: params, First: first, Last: last}, nil
}

// readLastLine seeks backward from end of file in fixed chunks until a
// newline-delimited non-empty line is found.
func readLastLine(f *os.File) (string, error) {
	const chunkSize = 4096

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", err
	}

	var tail []byte
	offset := size
	for offset > 0 {
		readFrom := offset - chunkSize
		if readFrom < 0 {
			readFrom = 0
		}
		chunk := make([]byte, offset-readFrom)
		if _, err := f.ReadAt(chunk, readFrom); err != nil {
			return "", err
		}
		tail = append(chunk, tail...)
		offset = readFrom

		if line, ok := lastNonEmptyLine(tail, offset > 0); ok {
			return line, nil
		}
	}
	if line, ok := lastNonEmptyLine(tail, false); ok {
		return line, nil
	}
	return "", fmt.Errorf("no complete line found")
}

// lastNonEmptyLine extracts the last non-empty line of buf. When partial is
// true the first line of buf may be incomplete and is not eligible.
func lastNonEmptyLine(buf []byte, partial bool) (string, bool) {
	lines := bytes.Split(buf, []byte("\n"))
	lo := 0
	if partial {
		lo = 1
	}
	for i := len(lines) - 1; i >= lo; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			decoded, err := charmap.Windows1252.NewDecoder().Bytes(line)
			if err != nil {
				return "", false
			}
			return string(decoded), true
		}
	}
	return "", false
}

// ReadDataRows loads every observation line of a data file, keyed by the
// header's column names, with the end-of-record column dropped. Values stay
// raw strings; malformed lines are skipped.
func ReadDataRows(path string) ([]DataRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer f.Close()

	scanner := decodedScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("data file %s is empty", path)
	}
	header := splitColumns(scanner.Text())

	var rows []DataRow
	for scanner.Scan() {
		cols := splitColumns(scanner.Text())
		if len(cols) < 2 || len(cols) > len(header) {
			continue
		}
		ts, err := time.ParseInLocation(timestampLayout, cols[1], time.UTC)
		if err != nil {
			continue
		}
		values := make(map[string]string, len(header)-1)
		for i := 2; i < len(cols); i++ {
			if strings.EqualFold(header[i], endOfRecordCol) {
				continue
			}
			values[header[i]] = cols[i]
		}
		rows = append(rows, DataRow{Time: ts, Values: values})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read data file %s: %w", path, err)
	}
	return rows, nil
}
