package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/depacketizer"
)

// runInspect prints one row per packet recovered from a capture file.
func runInspect(cfg config.Config, path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	d := depacketizer.New(cfg.Depacketizer(true))
	rows := [][]string{{"#", "SID", "SEQ", "KIND", "BYTES", "TIME / OFFSET"}}
	for u, err := range d.Feed(data) {
		n := strconv.Itoa(len(rows))
		sid, seq := strconv.FormatUint(uint64(u.StreamID), 10), strconv.Itoa(int(u.Seq))
		if err != nil {
			var se *depacketizer.StructuralError
			if errors.As(err, &se) {
				err = se.Err
			}
			rows = append(rows, []string{n, sid, seq, "invalid", "", err.Error()})
			continue
		}
		rows = append(rows, []string{n, sid, seq, u.Kind.String(), strconv.Itoa(len(u.Body)), when(u)})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).WithWriter(w).Render(); err != nil {
		return err
	}

	st := d.Stats()
	fmt.Fprintf(w, "%d packets, %d structural errors, %d garbage bytes skipped, %d trailing bytes\n",
		st.Packets, st.StructuralErrors, st.SkippedBytes, d.Buffered())
	return nil
}

func when(u depacketizer.Unit) string {
	switch {
	case u.Kind == depacketizer.KindTag:
		return "@" + strconv.FormatUint(u.TagOffset(), 10)
	case u.Timestamp != nil:
		return fmt.Sprintf("%.6f", float64(u.Timestamp.Seconds)+u.Timestamp.Frac())
	}
	return ""
}
