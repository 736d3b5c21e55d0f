// Package proto holds the broker topology names and text envelope formats
// shared by every participant. Names and formats must stay byte-compatible
// with existing deployments.
package proto

const (
	// ChatExchange is the durable topic exchange carrying room traffic; the
	// routing key is the room name.
	ChatExchange = "chat_exchange_v2"
	// RoomListExchange is the durable fanout exchange carrying room announcements.
	RoomListExchange = "room_list_exchange"

	roomQueuePrefix    = "user_"
	roomQueueInfix     = "_room_"
	privateQueuePrefix = "private_"
)

// RoomQueueName is the durable per-user backlog for a room.
func RoomQueueName(nickname, room string) string {
	return roomQueuePrefix + nickname + roomQueueInfix + room
}

// PrivateQueueName is the durable inbox for private messages to nickname.
func PrivateQueueName(nickname string) string {
	return privateQueuePrefix + nickname
}

// RecipientFromQueue extracts the nickname from a private queue name.
func RecipientFromQueue(queue string) (string, bool) {
	if len(queue) <= len(privateQueuePrefix) || queue[:len(privateQueuePrefix)] != privateQueuePrefix {
		return "", false
	}
	return queue[len(privateQueuePrefix):], true
}
