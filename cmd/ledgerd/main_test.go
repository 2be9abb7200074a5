package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/app"
	_ "github.com/odyssey-erp/subledger/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
