package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/logger"
)

type InstrumentRow struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol     string `gorm:"column:symbol;type:varchar(32);not null;uniqueIndex:uk_symbol_class"`
	AssetClass string `gorm:"column:asset_class;type:varchar(16);not null;uniqueIndex:uk_symbol_class"`
	Active     bool   `gorm:"column:active;not null;default:true"`
}

func (InstrumentRow) TableName() string {
	return "instruments"
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) List(ctx context.Context) ([]model.Instrument, error) {
	var rows []InstrumentRow
	err := d.db.WithContext(ctx).
		Model(&InstrumentRow{}).
		Where("active = ?", true).
		Order("asset_class ASC, symbol ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		c, err := model.ParseAssetClass(r.AssetClass)
		if err != nil {
			// 目录里出现未知类别不影响其它标的
			logger.Warn(ctx, "skip instrument", zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		out = append(out, model.Instrument{Symbol: model.NormalizeSymbol(r.Symbol), AssetClass: c, Active: true})
	}
	sortInstruments(out)
	return out, nil
}
