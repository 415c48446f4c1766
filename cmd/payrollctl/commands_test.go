package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/payroll-engine/pkg/adapters/erp"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// rexmasLedger is a Latin-1, semicolon separated ledger export.
func rexmasLedger(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libro.txt")
	require.NoError(t, os.WriteFile(path, []byte("RUT;Nombre;Gratificaci\xf3n\n12.345.678-5;Jos\xe9;150.000\n"), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "payrollctl test\n", out)
}

func TestFormatsCommand(t *testing.T) {
	t.Run("lists adapters", func(t *testing.T) {
		out, err := execute(t, "formats")
		require.NoError(t, err)
		for _, name := range []string{"buk", "talana", "rexmas", "sap", "softland", "generic"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("describes one adapter", func(t *testing.T) {
		out, err := execute(t, "formats", "sap", "-o", "json")
		require.NoError(t, err)
		var formats []erp.FormatDescriptor
		require.NoError(t, json.Unmarshal([]byte(out), &formats))
		require.NotEmpty(t, formats)
		for _, f := range formats {
			assert.NotEmpty(t, f.RequiredColumns, f.Kind)
		}
	})

	t.Run("unknown adapter", func(t *testing.T) {
		_, err := execute(t, "formats", "nomina-x")
		assert.EqualError(t, err, `no adapter for ERP "nomina-x"`)
	})
}

func TestHeadersCommand(t *testing.T) {
	out, err := execute(t, "headers", "--erp", "rexmas", "--kind", "ledger", rexmasLedger(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Gratificación")
	assert.Contains(t, out, "3 headers on row 1")
	assert.Contains(t, out, "1 concept column read by rexmas")
}

func TestNormalizeCommand(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "normalize", "--erp", "rexmas", rexmasLedger(t))
		require.NoError(t, err)
		assert.Contains(t, out, "12345678-5")
		assert.Contains(t, out, "José")
		assert.Contains(t, out, "150000")
		assert.Contains(t, out, "1 row read, 0 rows skipped")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "normalize", "--erp", "rexmas", "-o", "json", rexmasLedger(t))
		require.NoError(t, err)
		var res struct {
			Total int `json:"total"`
			Rows  []struct {
				Identifier string
				Name       string
			} `json:"rows"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, 1, res.Total)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, "12345678-5", res.Rows[0].Identifier)
		assert.Equal(t, "José", res.Rows[0].Name)
	})
}

func TestCommandFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown output", []string{"formats", "-o", "yaml"}, `unknown output format "yaml" (want table or json)`},
		{"unknown kind", []string{"headers", "--kind", "payslips", "libro.xlsx"}, `unknown file kind "payslips"`},
		{"long delimiter", []string{"headers", "--delimiter", ";;", "libro.csv"}, `delimiter must be a single character, got ";;"`},
		{"bad closure id", []string{"status", uuidString, "not-a-uuid"}, `invalid closure ID "not-a-uuid"`},
		{"history bad client", []string{"history", "acme"}, `invalid client ID "acme"`},
		{"history limit", []string{"history", uuidString, "--limit", "0"}, "--limit must be positive, got 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

const uuidString = "2f1b7c1e-8a5d-4a3e-9c61-0d7e4b5a6c10"

func TestCount(t *testing.T) {
	assert.Equal(t, "1 row", count(1, "row"))
	assert.Equal(t, "0 warnings", count(0, "warning"))
	assert.Equal(t, "2 discrepancies", count(2, "discrepancy"))
	assert.Equal(t, "3 concept columns", count(3, "concept column"))
}

func TestDescribeChanges(t *testing.T) {
	assert.Equal(t, "", describeChanges(nil))
	assert.Equal(t, "note: <nil> -> ok, state: reconciling -> has_discrepancies", describeChanges(map[string]models.FieldChange{
		"state": {Old: "reconciling", New: "has_discrepancies"},
		"note":  {Old: nil, New: "ok"},
	}))
}
