package model

import "time"

// LocalTime 只用于展示，格式为 "YYYY-MM-DD HH:MM:SS"。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// String 按本地时区输出，Markdown 导出使用同一格式。
func (t LocalTime) String() string {
	return time.Time(t).Local().Format(timeFormat)
}
