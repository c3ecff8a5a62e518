package utils

import (
	"fmt"
	"runtime/debug"
)

// GetStackWithError は、エラーとスタックトレースを組み合わせて返します
func GetStackWithError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w\nStack trace:\n%s", err, debug.Stack())
}

// RecoveredError は recover() の戻り値をスタックトレース付きのエラーに変換します
// バックグラウンドのgoroutineでpanicを握りつぶさずにログへ残すために使います
func RecoveredError(recovered interface{}) error {
	if recovered == nil {
		return nil
	}
	if err, ok := recovered.(error); ok {
		return GetStackWithError(fmt.Errorf("panic: %w", err))
	}
	return GetStackWithError(fmt.Errorf("panic: %v", recovered))
}
