package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPinger struct{ mock.Mock }

func (m *MockPinger) PingContext(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestPingWithRetry(t *testing.T) {
	errRefused := errors.New("connection refused")

	tests := []struct {
		name      string
		attempts  int
		results   []error
		wantErr   bool
		wantCalls int
	}{
		{"Immediate Success", 3, []error{nil}, false, 1},
		{"Success After Failures", 3, []error{errRefused, errRefused, nil}, false, 3},
		{"Exhausted", 3, []error{errRefused, errRefused, errRefused}, true, 3},
		{"Single Attempt", 1, []error{errRefused}, true, 1},
		{"Zero Attempts Tries Once", 0, []error{errRefused}, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(MockPinger)
			for _, res := range tt.results {
				p.On("PingContext", mock.Anything).Return(res).Once()
			}

			err := PingWithRetry(context.Background(), p, tt.attempts, time.Millisecond)
			if tt.wantErr {
				assert.ErrorIs(t, err, errRefused)
			} else {
				assert.NoError(t, err)
			}
			p.AssertNumberOfCalls(t, "PingContext", tt.wantCalls)
		})
	}
}

func TestPingWithRetry_ContextCancelled(t *testing.T) {
	p := new(MockPinger)
	p.On("PingContext", mock.Anything).Return(errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := PingWithRetry(ctx, p, 100, time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
