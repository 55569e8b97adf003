package cache

import "fmt"

// 键语义：
// - roomKey(documentName):  文档在线参与者（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - namesKey(documentName): 参与者 sessionId→账号摘要 映射（Hash）

const (
	keyRoomFmt  = "presence:doc:{name:%s}"       // ZSet<sessionId, expireAtUnix>
	keyNamesFmt = "presence:doc:names:{name:%s}" // Hash<sessionId -> accountInfo>
)

func roomKey(documentName string) string  { return fmt.Sprintf(keyRoomFmt, documentName) }
func namesKey(documentName string) string { return fmt.Sprintf(keyNamesFmt, documentName) }
