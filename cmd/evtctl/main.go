// Command evtctl 事件存储运维工具：查看事件流、补偿重发、管理 PrepareKey、托管运行时
package main

import (
	"fmt"
	"os"

	apperrors "evtcore/errors"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(apperrors.ExitCode(apperrors.Normalize(err)))
	}
}
