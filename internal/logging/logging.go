package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a console logger in development and a JSON logger elsewhere.
func New(env string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == "development" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return log.With(zap.String("service", "tablepay")), nil
}
