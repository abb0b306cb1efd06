package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/yieldledger/backend/internal/models"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendCompletion(ctx context.Context, notice models.CompletionNotice) error {
	args := m.Called(ctx, notice)
	return args.Error(0)
}

type MockRunLock struct {
	mock.Mock
}

func (m *MockRunLock) Acquire(ctx context.Context, jobName string, day time.Time) (bool, error) {
	args := m.Called(ctx, jobName, day)
	return args.Bool(0), args.Error(1)
}

func (m *MockRunLock) Release(ctx context.Context, jobName string, day time.Time) error {
	args := m.Called(ctx, jobName, day)
	return args.Error(0)
}

type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) ArchiveJobRun(ctx context.Context, run *models.JobRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}
