package station

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInitLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Record
		ok   bool
	}{
		{
			name: "regular station",
			line: "00096 20040813 20231231     50   54.4000   11.2000 Fehmarn Schleswig-Holstein",
			want: Record{
				ID:     96,
				From:   time.Date(2004, 8, 13, 0, 0, 0, 0, time.UTC),
				To:     time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
				Height: 50,
				Lat:    54.4,
				Lon:    11.2,
			},
			ok: true,
		},
		{
			name: "negative elevation",
			line: "162 19470101 20231231 -3 52.1000 13.5000 Anhalt",
			want: Record{
				ID:     162,
				From:   time.Date(1947, 1, 1, 0, 0, 0, 0, time.UTC),
				To:     time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
				Height: -3,
				Lat:    52.1,
				Lon:    13.5,
			},
			ok: true,
		},
		{name: "header line", line: "Stations_id von_datum bis_datum", ok: false},
		{name: "separator line", line: "----------- --------- ---------", ok: false},
		{name: "missing name", line: "96 20040813 20231231 50 54.4 11.2", ok: false},
		{name: "garbled dates", line: "96 2004 2023 50 54.4 11.2 Fehmarn", ok: false},
		{name: "empty", line: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseInitLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const cloudDataFile = "STATIONS_ID;MESS_DATUM;QN_8;V_N_I;V_N;eor\n" +
	"     96;2023112918;    1;   P;   8;eor\n" +
	"     96;2023112919;    1;   P;   6;eor\n" +
	"     96;2023112920;    1;   P;-999;eor\n"

func TestReadDataFileMeta(t *testing.T) {
	path := writeFile(t, t.TempDir(), "produkt_n_stunde_00096.txt", cloudDataFile)

	meta, err := ReadDataFileMeta(path)
	require.NoError(t, err)

	assert.Equal(t, 96, meta.StationID)
	assert.Equal(t, []string{"V_N_I", "V_N"}, meta.Params)
	assert.Equal(t, time.Date(2023, 11, 29, 18, 0, 0, 0, time.UTC), meta.First)
	assert.Equal(t, time.Date(2023, 11, 29, 20, 0, 0, 0, time.UTC), meta.Last)
}

func TestReadDataFileMetaLargeFile(t *testing.T) {
	// A body wider than the backward-seek chunk still finds the true last
	// row without the parser scanning forward through it.
	var sb strings.Builder
	sb.WriteString("STATIONS_ID;MESS_DATUM;QN_8;V_N;eor\n")
	ts := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		sb.WriteString("     96;" + ts.Format("2006010215") + ";    1;   4;eor\n")
		ts = ts.Add(time.Hour)
	}
	path := writeFile(t, t.TempDir(), "produkt_n_stunde_00096.txt", sb.String())

	meta, err := ReadDataFileMeta(path)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), meta.First)
	assert.Equal(t, ts.Add(-time.Hour), meta.Last)
}

func TestReadDataFileMetaNoTrailingNewline(t *testing.T) {
	content := strings.TrimSuffix(cloudDataFile, "\n")
	path := writeFile(t, t.TempDir(), "produkt_n_stunde_00096.txt", content)

	meta, err := ReadDataFileMeta(path)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 29, 20, 0, 0, 0, time.UTC), meta.Last)
}

func TestReadDataFileMetaRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadDataFileMeta(writeFile(t, dir, "empty.txt", ""))
	assert.Error(t, err)

	_, err = ReadDataFileMeta(writeFile(t, dir, "noeor.txt",
		"STATIONS_ID;MESS_DATUM;QN_8;V_N;extra\n96;2023112918;1;8;x\n"))
	assert.Error(t, err)

	_, err = ReadDataFileMeta(writeFile(t, dir, "headeronly.txt",
		"STATIONS_ID;MESS_DATUM;QN_8;V_N;eor\n"))
	assert.Error(t, err)
}

func TestReadDataRows(t *testing.T) {
	path := writeFile(t, t.TempDir(), "produkt_n_stunde_00096.txt", cloudDataFile)

	rows, err := ReadDataRows(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, time.Date(2023, 11, 29, 18, 0, 0, 0, time.UTC), rows[0].Time)
	// Values are trimmed raw strings; the end-of-record column is dropped.
	assert.Equal(t, map[string]string{"QN_8": "1", "V_N_I": "P", "V_N": "8"}, rows[0].Values)
	assert.NotContains(t, rows[0].Values, "eor")
	// Sentinels pass through untouched at this layer.
	assert.Equal(t, "-999", rows[2].Values["V_N"])
}
