package refprice

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"quotefeed.com/internal/quotes/model"
)

// DailyBarRow 日线收盘价表，由行情归档任务写入
type DailyBarRow struct {
	Symbol    string          `gorm:"column:symbol;type:varchar(32);primaryKey"`
	TradeDate string          `gorm:"column:trade_date;type:char(10);primaryKey"` // 2006-01-02
	Close     decimal.Decimal `gorm:"column:close;type:decimal(24,8);not null"`
}

func (DailyBarRow) TableName() string { return "daily_bars" }

type GormLoader struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLoader(db *gorm.DB) *GormLoader {
	return &GormLoader{db: db, now: time.Now}
}

func (l *GormLoader) Load(ctx context.Context) (map[string]decimal.Decimal, error) {
	day := cutoff(l.now()).Format(time.DateOnly)
	latest := l.db.Model(&DailyBarRow{}).
		Select("symbol, MAX(trade_date) AS trade_date").
		Where("trade_date < ?", day).
		Group("symbol")

	var rows []DailyBarRow
	err := l.db.WithContext(ctx).
		Table("daily_bars AS b").
		Select("b.symbol, b.trade_date, b.close").
		Joins("JOIN (?) AS m ON b.symbol = m.symbol AND b.trade_date = m.trade_date", latest).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[model.NormalizeSymbol(r.Symbol)] = r.Close
	}
	return out, nil
}
