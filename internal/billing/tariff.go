package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/storage"
	"github.com/bher20/wargabill/internal/tariff"
)

// TariffSettingKey is the app_settings key holding the tariff document.
const TariffSettingKey = "tariff_config"

// GetTariff returns the saved tariff, or the default one if none was saved.
func (s *Service) GetTariff(ctx context.Context) (tariff.Config, error) {
	return loadTariff(ctx, s.store)
}

func loadTariff(ctx context.Context, st storage.Storage) (tariff.Config, error) {
	raw, err := st.GetSetting(ctx, TariffSettingKey)
	if err != nil {
		return tariff.Config{}, storeErr("load tariff", err)
	}
	if raw == "" {
		return tariff.Default(), nil
	}
	var cfg tariff.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return tariff.Config{}, storeErr("decode tariff", err)
	}
	if cfg.CustomFees == nil {
		cfg.CustomFees = []tariff.CustomFee{}
	}
	return cfg, nil
}

// SaveTariff validates and stores cfg, then recalculates every unpaid bill
// with it. The tariff stays saved even when the recalculation fails.
func (s *Service) SaveTariff(ctx context.Context, cfg tariff.Config) (*RecalcResult, error) {
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, tariff.ErrInvalidConfig) {
			return nil, &Error{Code: CodeValidation, Message: err.Error()}
		}
		return nil, err
	}
	if cfg.CustomFees == nil {
		cfg.CustomFees = []tariff.CustomFee{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode tariff: %w", err)
	}
	if err := s.store.SetSetting(ctx, TariffSettingKey, string(data)); err != nil {
		return nil, storeErr("save tariff", err)
	}
	s.logger.Info("tariff saved", zap.Int("custom_fees", len(cfg.CustomFees)))
	s.publish(ctx, change(storage.CollectionSettings, TariffSettingKey, changefeed.OpUpdate))

	return s.Recalculate(ctx, cfg, nil)
}
