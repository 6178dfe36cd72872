package store

import (
	"fmt"
	"strings"

	"chatd/pkg/utils"
)

// Key layout. Everything is namespaced by prefix so related rows sort
// together and prefix iteration serves each access path:
//
//	conv:<convID>:meta                    conversation document
//	conv:<convID>:msg:<ts20>-<seq6>       message log, commit order
//	index:msg:<msgID>                     message id -> primary log key
//	index:direct:<a>|<b>                  sorted pair -> direct conv id
//	index:user:<userID>:conv:<convID>     membership, per-user listing
//	index:expiry:<ts20>:<primary key>     sweeper scan, ordered by due time
//	version:msg:<msgID>:<ts20>-<seq6>     edit history
const (
	convPrefix    = "conv:"
	msgIdxPrefix  = "index:msg:"
	directPrefix  = "index:direct:"
	userPrefix    = "index:user:"
	expiryPrefix  = "index:expiry:"
	versionPrefix = "version:msg:"
)

func convMetaKey(convID string) string {
	return convPrefix + convID + ":meta"
}

func msgLogPrefix(convID string) string {
	return convPrefix + convID + ":msg:"
}

func msgLogKey(convID string, ts int64, seq uint64) string {
	return fmt.Sprintf("%s%020d-%06d", msgLogPrefix(convID), ts, seq)
}

func msgIdxKey(msgID string) string {
	return msgIdxPrefix + msgID
}

func directIdxKey(a, b string) string {
	x, y := utils.SortedPair(a, b)
	return directPrefix + x + "|" + y
}

func userConvKey(userID, convID string) string {
	return userPrefix + userID + ":conv:" + convID
}

func userConvPrefix(userID string) string {
	return userPrefix + userID + ":conv:"
}

func expiryIdxKey(disappearTS int64, primary string) string {
	return fmt.Sprintf("%s%020d:%s", expiryPrefix, disappearTS, primary)
}

func versionKey(msgID string, ts int64, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d-%06d", versionPrefix, msgID, ts, seq)
}

func versionPrefixFor(msgID string) string {
	return versionPrefix + msgID + ":"
}

// convIDFromLogKey recovers the conversation id from a primary log key.
func convIDFromLogKey(primary string) string {
	rest := strings.TrimPrefix(primary, convPrefix)
	i := strings.Index(rest, ":msg:")
	if i < 0 {
		return ""
	}
	return rest[:i]
}
