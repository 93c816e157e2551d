package domain

// BuildSessionCacheKey is the response-cache key for a payment session.
func BuildSessionCacheKey(shop, attemptID string) string {
	return "payment_session:" + shop + ":" + attemptID
}
