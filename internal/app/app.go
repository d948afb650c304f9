// Package app wires the application's dependencies together.
package app

import (
	"time"

	"github.com/go-redis/redis"
	"gorm.io/gorm"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/domains/session"
	convoRepo "github.com/emberhq/ember/internal/repository/conversation"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
	"github.com/emberhq/ember/pkg/stt"
	"github.com/emberhq/ember/pkg/tts"
)

// App holds the composed application.
type App struct {
	Config *config.Settings
	Logger *Logger.Logger
	DB     *gorm.DB
	RC     *redis.Client

	Store        *convoRepo.GormConversationStore
	Collaborator session.Collaborators
}

// NewApp builds the dependency graph from configuration and already
// opened database handles.
func NewApp(cfg *config.Settings, logger *Logger.Logger, db *gorm.DB, rc *redis.Client) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		RC:     rc,
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT secret not configured, token auth will reject all tokens")
	}

	msgTTL := 7 * 24 * time.Hour
	a.Store = convoRepo.NewGormConversationStore(
		db, rc, msgTTL,
		cfg.Session.FreeDailySecs,
		cfg.Session.ProPeriodSecs,
		cfg.Session.ProAllowanceSecs,
		logger,
	)

	a.Collaborator = session.Collaborators{
		STTFactory: stt.NewWSFactory(logger),
		STTConfig: stt.Config{
			URL:        cfg.STT.URL,
			APIKey:     cfg.STT.APIKey,
			SampleRate: cfg.STT.SampleRate,
			Channels:   cfg.STT.Channels,
			Language:   cfg.STT.Language,
		},
		Gen:    llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.Model),
		Synth:  tts.New(cfg.TTS.URL, cfg.TTS.Voice, cfg.TTS.Format),
		Store:  a.Store,
		Usage:  a.Store,
		Clock:  clock.New(),
		Logger: logger,
	}

	return a, nil
}
