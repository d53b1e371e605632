package requestidlint_test

import (
	"testing"

	"github.com/flyingrobots/comfyqueue/tools/requestidlint"
	"golang.org/x/tools/go/analysis/analysistest"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/api/good", "internal/api/bad")
}
