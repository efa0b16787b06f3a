package opqueuetest_test

import (
	"context"
	"testing"
	"time"

	"github.com/opqueue-go/opqueue"
	"github.com/opqueue-go/opqueue/opqueuetest"
)

// sampleFactory produces a short, cooperative operation — the reference
// work-unit the suite is expected to pass with.
func sampleFactory() opqueuetest.Factory {
	return opqueuetest.FactoryFunc(func() *opqueue.Operation {
		return opqueue.New("sample", func(ctx context.Context) error {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
			}
			return nil
		})
	})
}

func TestSuiteConformance(t *testing.T) {
	suite := &opqueuetest.Suite{Factory: sampleFactory()}
	suite.Run(t)
}

func TestSuiteWithCustomTimeout(t *testing.T) {
	suite := &opqueuetest.Suite{
		Factory: sampleFactory(),
		Timeout: 5 * time.Second,
	}
	suite.Run(t)
}

func TestFactoryFuncNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("a nil FactoryFunc must panic, not silently no-op")
		}
	}()
	var f opqueuetest.FactoryFunc
	f.NewOperation()
}
