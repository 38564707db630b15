package redis

import "fmt"

// ClaimStateKey 存储 request_id 的领奖处理状态缓存。
func ClaimStateKey(requestID string) string {
	return fmt.Sprintf("event_claims:claim:status:%s", requestID)
}

// ClaimRateLimitKey 按用户维度的领奖接口限流键。
func ClaimRateLimitKey(userID string) string {
	return fmt.Sprintf("rate_limit:event_claims:user:%s", userID)
}

// ClaimRateLimitIPKey 解析不到用户时按 IP 降级限流。
func ClaimRateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:event_claims:ip:%s", ip)
}
