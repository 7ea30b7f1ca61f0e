package drm_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCommitScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Atomic Commit Scenarios")
}
