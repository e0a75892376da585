package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/testutil"
)

func checkoutContext(t *testing.T, target string) *StepContext {
	t.Helper()
	return &StepContext{
		JobRun:  ir.JobRun{Job: "Docs", Entry: "Python37"},
		Index:   0,
		Step:    ir.Step{Kind: ir.StepCheckout, Value: target},
		WorkDir: t.TempDir(),
		Output:  &bytes.Buffer{},
	}
}

func sourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	testutil.WriteFiles(t, src, map[string]string{
		"setup.py":         "from setuptools import setup\n",
		"docs/conf.py":     "project = 'demo'\n",
		".git/HEAD":        "ref: refs/heads/master\n",
		".cimatrix/work/x": "stale\n",
		"constraints.txt":  "tox==3.14.0\n",
	})
	return src
}

func TestCheckoutSelf(t *testing.T) {
	src := sourceTree(t)
	c := &CheckoutExecutor{Source: src, Exclude: []string{filepath.Join(src, ".cimatrix")}}
	sc := checkoutContext(t, "self")

	_, err := c.Execute(context.Background(), sc)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(sc.WorkDir, "setup.py"))
	assert.FileExists(t, filepath.Join(sc.WorkDir, "docs", "conf.py"))
	assert.FileExists(t, filepath.Join(sc.WorkDir, "constraints.txt"))
	assert.NoDirExists(t, filepath.Join(sc.WorkDir, ".git"))
	assert.NoDirExists(t, filepath.Join(sc.WorkDir, ".cimatrix"))
	assert.Contains(t, sc.Output.(*bytes.Buffer).String(), "Checked out 3 files")
}

func TestCheckoutSkipsWorkDirInsideSource(t *testing.T) {
	src := sourceTree(t)
	c := &CheckoutExecutor{Source: src}
	sc := checkoutContext(t, "self")
	sc.WorkDir = filepath.Join(src, ".cimatrix", "work", "run-1", "Docs")

	_, err := c.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(sc.WorkDir, "setup.py"))
	assert.NoDirExists(t, filepath.Join(sc.WorkDir, ".cimatrix", "work", "run-1", "Docs", "setup.py"))
}

func TestCheckoutNone(t *testing.T) {
	c := &CheckoutExecutor{Source: sourceTree(t)}
	sc := checkoutContext(t, "none")

	_, err := c.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(sc.WorkDir, "setup.py"))
}

func TestCheckoutErrors(t *testing.T) {
	c := &CheckoutExecutor{Source: sourceTree(t)}
	_, err := c.Execute(context.Background(), checkoutContext(t, "other-repo"))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(err))

	empty := &CheckoutExecutor{}
	_, err = empty.Execute(context.Background(), checkoutContext(t, "self"))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(err))
}
