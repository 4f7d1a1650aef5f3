package backtest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

func WriteTradesCSV(w io.Writer, trades []Trade) error {
	if trades == nil {
		trades = []Trade{}
	}
	return gocsv.Marshal(&trades, w)
}

func WriteEquityCSV(w io.Writer, points []EquityPoint) error {
	if points == nil {
		points = []EquityPoint{}
	}
	return gocsv.Marshal(&points, w)
}

// Export 把成交、资金曲线与图表写到 dir/<id>_*.{csv,html}，返回生成的文件。
func Export(dir string, res *Result) ([]string, error) {
	if res == nil {
		return nil, fmt.Errorf("export: 空结果")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var files []string
	write := func(name string, fn func(io.Writer) error) error {
		path := filepath.Join(dir, res.ID+"_"+name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("export %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		files = append(files, path)
		return nil
	}
	if err := write("trades.csv", func(w io.Writer) error { return WriteTradesCSV(w, res.Trades) }); err != nil {
		return files, err
	}
	if err := write("equity.csv", func(w io.Writer) error { return WriteEquityCSV(w, res.Equity) }); err != nil {
		return files, err
	}
	if err := write("chart.html", func(w io.Writer) error { return RenderChart(w, res) }); err != nil {
		return files, err
	}
	return files, nil
}
