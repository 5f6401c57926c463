package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/example/safebazaar/internal/assess"
)

var sheetColumns = map[string]func(p *assess.Product, v string){
	"name":        func(p *assess.Product, v string) { p.Name = v },
	"url":         func(p *assess.Product, v string) { p.URL = v },
	"image_url":   func(p *assess.Product, v string) { p.ImageURL = v },
	"description": func(p *assess.Product, v string) { p.Description = v },
	"price":       func(p *assess.Product, v string) { p.Price = v },
	"seller":      func(p *assess.Product, v string) { p.Seller = v },
	"platform":    func(p *assess.Product, v string) { p.Platform = v },
}

// ParseProductSheet reads products from the first worksheet of an xlsx file.
// The first row is a header naming the columns; order is free and unknown
// columns are ignored. Blank rows are skipped.
func ParseProductSheet(r io.Reader) ([]assess.Product, error) {
	xlsx, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid xlsx file", ErrUnsupportedUpload)
	}
	defer xlsx.Close()

	sheets := xlsx.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidInput)
	}
	rows, err := xlsx.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet is empty", ErrInvalidInput)
	}

	setters := make([]func(*assess.Product, string), len(rows[0]))
	known := 0
	for i, h := range rows[0] {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		if set, ok := sheetColumns[key]; ok {
			setters[i] = set
			known++
		}
	}
	if known == 0 {
		return nil, fmt.Errorf("%w: header row must name at least one of name, url, description, price, seller, platform", ErrInvalidInput)
	}

	var out []assess.Product
	for _, row := range rows[1:] {
		var p assess.Product
		blank := true
		for i, cell := range row {
			if i >= len(setters) || setters[i] == nil {
				continue
			}
			if v := strings.TrimSpace(cell); v != "" {
				setters[i](&p, v)
				blank = false
			}
		}
		if blank {
			continue
		}
		out = append(out, p)
		if len(out) > maxBulkItems {
			return nil, ErrBulkLimit
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: sheet has no product rows", ErrInvalidInput)
	}
	return out, nil
}
