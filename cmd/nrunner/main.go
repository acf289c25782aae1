package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 CLI 命令並以其結束碼結束
// 3. 處理頂層 panic recovery
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/nrunner/internal/cli"
	nerrors "github.com/ChuLiYu/nrunner/internal/errors"
)

func main() {
	defer nerrors.Recover(func(cause error) {
		fmt.Fprintf(os.Stderr, "panic: %s\n", nerrors.ErrorStack(cause))
		os.Exit(1)
	})

	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
