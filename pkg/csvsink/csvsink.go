package csvsink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// quoter doubles embedded quotes and escapes the escape character itself, as
// spreadsheet importers expect when every field is quoted.
var quoter = strings.NewReplacer(`\`, `\\`, `"`, `""`)

// Write emits rows with every field quoted and CRLF line endings.
func Write(w io.Writer, rows [][]string) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		for i, field := range row {
			if i > 0 {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			if err := bw.WriteByte('"'); err != nil {
				return err
			}
			if _, err := quoter.WriteString(bw, field); err != nil {
				return err
			}
			if err := bw.WriteByte('"'); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile creates path and writes rows to it.
func WriteFile(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create csv %s: %w", path, err)
	}
	if err := Write(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("write csv %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close csv %s: %w", path, err)
	}
	return nil
}
