package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildSheet(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestParseProductSheet(t *testing.T) {
	buf := buildSheet(t, [][]interface{}{
		{"Name", "URL", "Price", "Notes", "Image URL"},
		{"Tecno Spark 20", "https://jiji.co.ke/item/1", "KES 14,500", "ignored", ""},
		{"", "", "", "", ""},
		{"Sneakers", "", "2500", "", "https://cdn.example.com/s.jpg"},
	})

	products, err := ParseProductSheet(buf)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Tecno Spark 20", products[0].Name)
	assert.Equal(t, "https://jiji.co.ke/item/1", products[0].URL)
	assert.Equal(t, "KES 14,500", products[0].Price)
	assert.Equal(t, "https://cdn.example.com/s.jpg", products[1].ImageURL)
	assert.Empty(t, products[1].URL)
}

func TestParseProductSheetLimits(t *testing.T) {
	rows := [][]interface{}{{"name", "url"}}
	for i := 0; i < 51; i++ {
		rows = append(rows, []interface{}{fmt.Sprintf("item %d", i), fmt.Sprintf("https://example.com/%d", i)})
	}
	_, err := ParseProductSheet(buildSheet(t, rows))
	assert.ErrorIs(t, err, ErrBulkLimit)

	_, err = ParseProductSheet(buildSheet(t, [][]interface{}{{"colour", "size"}, {"red", "xl"}}))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseProductSheet(buildSheet(t, [][]interface{}{{"name", "url"}}))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseProductSheet(strings.NewReader("name,url\nx,y\n"))
	assert.ErrorIs(t, err, ErrUnsupportedUpload)
}
