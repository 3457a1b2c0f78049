// Package internal 實作兩人對局配對服務
//
// 問題：兩位遠端玩家各自連上服務，輸入同一個房號後配成一局，
// 之後的走子即時轉發給對手，對局結束（回報或斷線）時恰好記一次戰績。
//
// 組件：
//
//	WebSocketHub  連線閘道：接受連線、心跳、投遞事件（實作 Notifier）
//	Dispatcher    把入站事件路由到 Registry
//	Registry      房間註冊表：入座、重連、走子轉發、結算、斷線判負
//	Room          兩個座位 + outcomeRecorded 旗標，每個房間一把鎖
//	OutcomeRecorder 非同步把結果寫入 StatsStore，並可發佈到 NATS
//
// 戰績儲存：
//
//	MemoryStatsStore    單機開發
//	PostgresStatsStore  user_stats upsert
//	CachedStatsStore    Redis read-through 快取
//
// 核心保證：
//   - 每個房間最多兩位玩家，座位 first / second
//   - 走子只會送給對手，不會回送給自己
//   - 每個房間的結果最多寫入一次（回報與斷線競爭時也一樣）
//   - 房間清空後立即刪除
package internal
