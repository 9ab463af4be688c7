package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeExpirer struct {
	cutoff time.Time
	count  int
	err    error
}

func (f *fakeExpirer) ExpireLapsed(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.count, f.err
}

func TestSubscriptionExpiryJobAppliesGrace(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	expirer := &fakeExpirer{count: 3}
	job, err := NewSubscriptionExpiryJob(SubscriptionExpiryJobParams{
		Logger:        testLogger(),
		Subscriptions: expirer,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	require.Equal(t, "subscription-expiry", job.Name())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, now.Add(-defaultPastDueGrace), expirer.cutoff)

	expirer.err = errors.New("db down")
	require.Error(t, job.Run(context.Background()))
}

func TestSubscriptionExpiryJobRequiresDependencies(t *testing.T) {
	_, err := NewSubscriptionExpiryJob(SubscriptionExpiryJobParams{Logger: testLogger()})
	require.Error(t, err)
}

type fakeWebhookEvents struct {
	cutoff time.Time
	err    error
}

func (f *fakeWebhookEvents) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 4, f.err
}

func TestWebhookRetentionJobUsesRetentionWindow(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeWebhookEvents{}
	job, err := NewWebhookRetentionJob(WebhookRetentionJobParams{
		Logger:     testLogger(),
		Repository: repo,
		Retention:  10,
	})
	require.NoError(t, err)
	job.(*retentionJob).now = func() time.Time { return now }
	require.Equal(t, "webhook-event-retention", job.Name())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), repo.cutoff)

	repo.err = errors.New("boom")
	err = job.Run(context.Background())
	require.ErrorContains(t, err, "webhook-event-retention: boom")
}

type fakeOutboxRetentionRepo struct {
	cutoff      time.Time
	minAttempts int
	calls       int
	err         error
}

func (f *fakeOutboxRetentionRepo) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, minAttempts int) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	f.minAttempts = minAttempts
	return 7, f.err
}

type inlineTx struct{}

func (inlineTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func TestOutboxRetentionJobDefaults(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     testLogger(),
		DB:         inlineTx{},
		Repository: repo,
	})
	require.NoError(t, err)
	job.(*retentionJob).now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, repo.calls)
	require.Equal(t, now.AddDate(0, 0, -outboxRetentionDays), repo.cutoff)
	require.Equal(t, outboxMinAttempts, repo.minAttempts)

	repo.err = errors.New("locked")
	require.Error(t, job.Run(context.Background()))
}

func TestRetentionJobsRequireDependencies(t *testing.T) {
	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: testLogger(), DB: inlineTx{}})
	require.Error(t, err)
	_, err = NewWebhookRetentionJob(WebhookRetentionJobParams{Logger: testLogger()})
	require.Error(t, err)
}
