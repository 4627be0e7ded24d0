package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaxinv/vaxinv/internal/app"
	_ "github.com/vaxinv/vaxinv/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
