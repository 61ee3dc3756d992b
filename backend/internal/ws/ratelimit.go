package ws

import "time"

// RateWindow 固定窗口计数器。窗口过期时在检查中重置，不依赖后台定时器。
// 只由连接自己的读循环访问，无需加锁。
type RateWindow struct {
	Count       int
	WindowStart time.Time
	Limit       int
	Window      time.Duration
}

func NewRateWindow(limit int, window time.Duration) RateWindow {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Second
	}
	return RateWindow{Limit: limit, Window: window}
}

// Allow 记一次提交并返回是否放行；被拒绝的提交同样计数
func (w *RateWindow) Allow(now time.Time) bool {
	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) > w.Window {
		w.WindowStart = now
		w.Count = 0
	}
	w.Count++
	return w.Count <= w.Limit
}
