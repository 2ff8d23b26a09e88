package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ProcessSpec 配置文件中的一条工序定义
type ProcessSpec struct {
	SeqNo          int    `mapstructure:"seq_no"`          // 工艺路线顺序号，必须从 1 起连续
	Code           string `mapstructure:"code"`            // 工序代码
	PostConversion bool   `mapstructure:"post_conversion"` // 是否在转序列号之后执行
	LimitRule      string `mapstructure:"limit_rule"`      // 可选的测量值判定表达式 (expr 语法)
}

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`        // API 与前端服务监听地址
	DBPath          string        `mapstructure:"db_path"`          // SQLite 数据库文件路径
	ReworkLimit     int           `mapstructure:"rework_limit"`     // 单元返工次数上限
	PrinterEndpoint string        `mapstructure:"printer_endpoint"` // 远程打印服务地址，为空则不打印
	Processes       []ProcessSpec `mapstructure:"processes"`        // 工艺路线定义，按顺序号排列
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config") // 配置文件名称 (不带扩展名)
	viper.SetConfigType("yaml")   // 配置文件类型
	viper.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)

	// 设置默认值
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("db_path", "mes.db")
	viper.SetDefault("rework_limit", 3)

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验工艺路线定义的完整性
// 顺序号必须从 1 开始连续，工序代码不可为空
func (c *Config) Validate() error {
	if len(c.Processes) == 0 {
		return fmt.Errorf("配置中缺少工艺路线定义 (processes)")
	}
	for i, p := range c.Processes {
		if p.SeqNo != i+1 {
			return fmt.Errorf("工序顺序号必须连续: 位置 %d 的顺序号为 %d", i+1, p.SeqNo)
		}
		if p.Code == "" {
			return fmt.Errorf("工序 %d 缺少代码", p.SeqNo)
		}
	}
	if c.ReworkLimit < 0 {
		return fmt.Errorf("返工次数上限不能为负数: %d", c.ReworkLimit)
	}
	return nil
}
