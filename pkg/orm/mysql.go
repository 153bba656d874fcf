package orm

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver      string `mapstructure:"driver"`       // mysql | sqlite
	DSN         string `mapstructure:"dsn"`          // 连接字符串；sqlite 下是文件路径或 file::memory:
	MaxIdle     int    `mapstructure:"max_idle"`     // 最大空闲连接
	MaxOpen     int    `mapstructure:"max_open"`     // 最大打开连接
	MaxLifetime int    `mapstructure:"max_lifetime"` // 连接存活秒数
	LogSQL      bool   `mapstructure:"log_sql"`
}

// Open 初始化 GORM。mysql 用于生产，sqlite 用于本地开发和测试。
func Open(c *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Driver {
	case "", "mysql":
		dialector = mysql.Open(c.DSN)
	case "sqlite":
		dialector = sqlite.Open(c.DSN)
	default:
		return nil, fmt.Errorf("orm: unsupported driver %q", c.Driver)
	}

	level := logger.Warn
	if c.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}
