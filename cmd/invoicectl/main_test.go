package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"show", "parked", "retry", "sequence", "reconcile", "sweep", "poll", "stats"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("timeout"))
}

func TestShowRequiresAnIdentifier(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"show", "--provider", "payway"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--provider and --provider-id")
}

func TestRetryRejectsInvalidID(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"retry", "abc"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid payment id "abc"`)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	_, err = parseID("0")
	assert.Error(t, err)
}

func TestPrintParked(t *testing.T) {
	var buf bytes.Buffer
	printParked(&buf, nil)
	assert.Equal(t, "no parked payments\n", buf.String())

	buf.Reset()
	printParked(&buf, []models.Payment{{ID: 3, Provider: "payway", ProviderPaymentID: "p-3", Error: "rejected: 10016"}})
	assert.Contains(t, buf.String(), "p-3")
	assert.Contains(t, buf.String(), "rejected: 10016")
}

func TestPrintReconcileResults(t *testing.T) {
	var buf bytes.Buffer
	err := printReconcileResults(&buf, map[string]error{
		"payway":      nil,
		"mercadopago": errors.New("timeout"),
	})
	require.Error(t, err)
	assert.Equal(t, "mercadopago  FAILED (timeout)\npayway       ok\n", buf.String())
}
