//go:build integration

package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veritas/internal/rules"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/testutil/containers"
)

type RulesPostgresSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *rules.PostgresStore
}

func TestRulesPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RulesPostgresSuite))
}

func (s *RulesPostgresSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = rules.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *RulesPostgresSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "alert_rules"))
}

func (s *RulesPostgresSuite) rule(name string) *rules.AlertRule {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &rules.AlertRule{
		ID:         uuid.NewString(),
		Name:       name,
		IsActive:   true,
		EventTypes: []string{"auth"},
		Severity:   "high",
		Condition: rules.Condition{
			Field:    "action.type",
			Operator: rules.OpEquals,
			Value:    "login_failed",
		},
		Actions:   []rules.ActionSpec{{Type: "log"}, {Type: "webhook", Target: "https://example.test/hook"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *RulesPostgresSuite) TestCreateAndGet() {
	ctx := context.Background()
	rule := s.rule("failed-logins")
	s.Require().NoError(s.store.Create(ctx, rule))

	got, err := s.store.Get(ctx, rule.ID)
	s.Require().NoError(err)
	s.Equal(rule.Name, got.Name)
	s.Equal(rule.Condition, got.Condition)
	s.Equal(rule.Actions, got.Actions)
	s.Equal([]string{"auth"}, got.EventTypes)

	_, err = s.store.Get(ctx, uuid.NewString())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RulesPostgresSuite) TestUpdatePreservesStatistics() {
	ctx := context.Background()
	rule := s.rule("failed-logins")
	s.Require().NoError(s.store.Create(ctx, rule))
	s.Require().NoError(s.store.RecordTrigger(ctx, rule.ID, time.Now()))

	rule.Name = "failed-logins-v2"
	s.Require().NoError(s.store.Update(ctx, rule))

	got, err := s.store.Get(ctx, rule.ID)
	s.Require().NoError(err)
	s.Equal("failed-logins-v2", got.Name)
	s.Equal(int64(1), got.Statistics.TotalTriggers)
	s.NotNil(got.Statistics.LastTriggered)
}

func (s *RulesPostgresSuite) TestListActive() {
	ctx := context.Background()
	active := s.rule("active")
	inactive := s.rule("inactive")
	inactive.IsActive = false
	s.Require().NoError(s.store.Create(ctx, active))
	s.Require().NoError(s.store.Create(ctx, inactive))

	all, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(all, 2)

	got, err := s.store.ListActive(ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("active", got[0].Name)
}

func (s *RulesPostgresSuite) TestDelete() {
	ctx := context.Background()
	rule := s.rule("doomed")
	s.Require().NoError(s.store.Create(ctx, rule))
	s.Require().NoError(s.store.Delete(ctx, rule.ID))
	s.ErrorIs(s.store.Delete(ctx, rule.ID), sentinel.ErrNotFound)
}
