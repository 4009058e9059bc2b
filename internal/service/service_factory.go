package service

import (
	"go.uber.org/zap"

	"behavior-guard/internal/config"
	"behavior-guard/internal/escalation"
	"behavior-guard/internal/repository"
	"behavior-guard/internal/scoring"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg             *config.Config
	profiles        repository.ProfileStore
	events          repository.SignificantEventStore
	anomalies       AnomalyLog
	searcher        AnomalySearcher
	policy          *escalation.Policy
	logger          *zap.Logger
	behaviorService *BehaviorService
}

// NewServiceFactory creates a new service factory. searcher may be nil.
func NewServiceFactory(
	cfg *config.Config,
	profiles repository.ProfileStore,
	events repository.SignificantEventStore,
	anomalies AnomalyLog,
	searcher AnomalySearcher,
	policy *escalation.Policy,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		profiles:  profiles,
		events:    events,
		anomalies: anomalies,
		searcher:  searcher,
		policy:    policy,
		logger:    logger,
	}
}

// BehaviorService returns the behavior service instance (singleton)
func (f *ServiceFactory) BehaviorService() (*BehaviorService, error) {
	if f.behaviorService == nil {
		scorer, err := scoring.NewScorer(f.cfg.Scoring)
		if err != nil {
			return nil, err
		}
		svc := NewBehaviorService(
			f.profiles,
			f.events,
			f.anomalies,
			scorer,
			f.policy,
			f.cfg.Capture.DoubleClickThreshold,
			f.logger,
		)
		if f.searcher != nil {
			svc.WithSearcher(f.searcher)
		}
		f.behaviorService = svc
	}
	return f.behaviorService, nil
}
