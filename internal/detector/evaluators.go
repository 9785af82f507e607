package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"iot-telemetry/internal/models"
)

// 评估参数
const (
	StatisticalMinHistory = 10
	StatisticalMinValues  = 5
	StatisticalSigma      = 3.0

	TrendMinHistory = 20
	TrendWindow     = 10
	TrendMinValues  = 5
	TrendSlopeLimit = 0.5

	PatternTemperature = 70.0
	PatternPressure    = 2.0
)

// 告警数据中的异常类别
const (
	anomalyStatistical = "STATISTICAL"
	anomalyTrend       = "TREND"
)

// numericKeys 当前读数中数值型测量键，排序保证输出稳定
func numericKeys(r models.Reading) []string {
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		if _, ok := r.Numeric(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// valuesFor 抽取窗口中某键的数值，跳过缺失或非数值
func valuesFor(readings []models.Reading, key string) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		if v, ok := r.Numeric(key); ok {
			out = append(out, v)
		}
	}
	return out
}

// meanStdDev 总体均值与标准差
func meanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// slope 最小二乘斜率，x 取 0..n-1
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// evaluateStatistical 统计异常：|当前值-均值| > 3σ
// 窗口包含当前读数
func evaluateStatistical(history []models.Reading, current models.Reading, now time.Time) []models.Alert {
	if len(history) < StatisticalMinHistory {
		return nil
	}

	var alerts []models.Alert
	for _, key := range numericKeys(current) {
		values := valuesFor(history, key)
		if len(values) < StatisticalMinValues {
			continue
		}
		cur, _ := current.Numeric(key)
		mean, std := meanStdDev(values)
		if std <= 0 || math.Abs(cur-mean) <= StatisticalSigma*std {
			continue
		}

		msg := fmt.Sprintf("Statistical anomaly detected in %s: current=%.2f, mean=%.2f, stdDev=%.2f", key, cur, mean, std)
		alerts = append(alerts, models.NewAlert(current, models.AlertPerformanceDegradation, models.SeverityHigh, msg,
			map[string]interface{}{
				"parameter":    key,
				"currentValue": cur,
				"mean":         mean,
				"stdDev":       std,
				"anomalyType":  anomalyStatistical,
			}, now))
	}
	return alerts
}

// evaluateTrend 趋势异常：最近 10 条读数的斜率绝对值 > 0.5
func evaluateTrend(history []models.Reading, current models.Reading, now time.Time) []models.Alert {
	if len(history) < TrendMinHistory {
		return nil
	}
	tail := history[len(history)-TrendWindow:]

	var alerts []models.Alert
	for _, key := range numericKeys(current) {
		values := valuesFor(tail, key)
		if len(values) < TrendMinValues {
			continue
		}
		trend := slope(values)
		if math.Abs(trend) <= TrendSlopeLimit {
			continue
		}

		cur, _ := current.Numeric(key)
		msg := fmt.Sprintf("Trend anomaly detected in %s: current=%.2f, trend=%.2f", key, cur, trend)
		alerts = append(alerts, models.NewAlert(current, models.AlertPerformanceDegradation, models.SeverityMedium, msg,
			map[string]interface{}{
				"parameter":    key,
				"currentValue": cur,
				"trend":        trend,
				"anomalyType":  anomalyTrend,
			}, now))
	}
	return alerts
}

// evaluatePattern 高温低压组合
func evaluatePattern(current models.Reading, now time.Time) []models.Alert {
	temp, okT := current.Numeric("temperature")
	pressure, okP := current.Numeric("pressure")
	if !okT || !okP || temp <= PatternTemperature || pressure >= PatternPressure {
		return nil
	}

	return []models.Alert{models.NewAlert(current, models.AlertPerformanceDegradation, models.SeverityHigh,
		"Pattern anomaly detected: High temperature with low pressure",
		map[string]interface{}{
			"temperature": temp,
			"pressure":    pressure,
		}, now)}
}
