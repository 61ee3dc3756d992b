package cache

import "fmt"

// 键语义：
// - roomKey(workspaceID):  工作区在线成员 ZSet<memberID, expireAtUnix>，score=expireAt
// - namesKey(workspaceID): memberID→username 映射（Hash）
// - relayChannel:          多实例之间转发房间广播的 pub/sub 频道
//
// {} 是 cluster hash tag，保证同一工作区的两个键落在同一个 slot，Lua 脚本才能同时访问

const (
	keyRoomFmt      = "presence:room:{ws:%s}"
	keyNamesFmt     = "presence:room:names:{ws:%s}"
	keyRelayChannel = "sync:relay"
)

func roomKey(workspaceID string) string  { return fmt.Sprintf(keyRoomFmt, workspaceID) }
func namesKey(workspaceID string) string { return fmt.Sprintf(keyNamesFmt, workspaceID) }
