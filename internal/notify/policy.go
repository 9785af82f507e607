package notify

import "iot-telemetry/internal/models"

// Channels 某一级别启用的投递通道
type Channels struct {
	Dashboard bool
	Email     bool
	SMS       bool
}

// ChannelsFor 级别到通道的映射
// LOW: 仪表盘；MEDIUM: +邮件；HIGH/CRITICAL: +短信
// 未知级别只走仪表盘
func ChannelsFor(s models.Severity) Channels {
	switch {
	case s.AtLeast(models.SeverityHigh):
		return Channels{Dashboard: true, Email: true, SMS: true}
	case s == models.SeverityMedium:
		return Channels{Dashboard: true, Email: true}
	default:
		return Channels{Dashboard: true}
	}
}

// List 启用的通道，顺序固定
func (c Channels) List() []models.Channel {
	var out []models.Channel
	if c.Dashboard {
		out = append(out, models.ChannelDashboard)
	}
	if c.Email {
		out = append(out, models.ChannelEmail)
	}
	if c.SMS {
		out = append(out, models.ChannelSMS)
	}
	return out
}
