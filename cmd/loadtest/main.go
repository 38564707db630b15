package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	eventID := flag.Int("event", 1, "event id")
	stockCheck := flag.Bool("stock", true, "check reward stock after test")

	// 限量抢领测试参数：200 个用户并发抢有限库存
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	// 1) 不超发测试：不同 user 并发领奖，各自独立幂等键
	fmt.Printf("start overclaim test: event=%d users=%d concurrency=%d\n", *eventID, *nUsers, *concurrency)
	results := runClaims(client, *baseURL, *eventID, *nUsers, *concurrency)
	printSummary("overclaim", results)

	if *stockCheck {
		stocks, err := getStocks(client, *baseURL, *eventID)
		if err != nil {
			fmt.Println("stock check err:", err)
		} else {
			for name, remain := range stocks {
				fmt.Printf("final stock: %s -> %d\n", name, remain)
			}
		}
	}

	// 2) 幂等测试：同一个用户用同一个幂等键重复提交，
	// 应当全部返回同一个 requestId 且只消耗一次库存。
	fmt.Println("\nstart idempotency test: same user, same key, 50 requests, concurrency 50")
	results2 := runSameKey(client, *baseURL, *eventID, "loadtest_user_idem", 50, 50)
	printSummary("idempotency", results2)

	// 3) 限流测试：同一个用户高频提交（不同幂等键），容易触发 429。
	// 默认限流 1000/s 很难触发，建议临时调低 CLAIM_RATE_LIMIT 再测。
	fmt.Println("\nstart rate limit test: same user, fresh keys, 50 requests, concurrency 50")
	results3 := runFreshKeys(client, *baseURL, *eventID, "loadtest_user_rate", 50, 50)
	printSummary("rate_limit", results3)
}

func runClaims(client *http.Client, baseURL string, eventID, nUsers, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nUsers)

	for i := 0; i < nUsers; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			userID := fmt.Sprintf("loadtest_user_%d", idx+1)
			results[idx] = claimOnce(client, baseURL, eventID, userID, uuid.New().String())
		}(i)
	}

	wg.Wait()
	return results
}

func runSameKey(client *http.Client, baseURL string, eventID int, userID string, total, concurrency int) []Result {
	key := uuid.New().String()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = claimOnce(client, baseURL, eventID, userID, key)
		}(i)
	}

	wg.Wait()
	return results
}

func runFreshKeys(client *http.Client, baseURL string, eventID int, userID string, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = claimOnce(client, baseURL, eventID, userID, uuid.New().String())
		}(i)
	}

	wg.Wait()
	return results
}

func claimOnce(client *http.Client, baseURL string, eventID int, userID, idemKey string) Result {
	url := fmt.Sprintf("%s/event-claims/%d/claim", baseURL, eventID)
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("X-Idempotency-Key", idemKey)
	req.Header.Set("X-User-Id", userID)
	req.Header.Set("X-User-Roles", "USER")
	req.Header.Set("X-User-Name", userID)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 202, 400, 404, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getStocks 查询活动各奖励剩余库存，用于压测后校验是否出现超发。
func getStocks(client *http.Client, baseURL string, eventID int) (map[string]int64, error) {
	url := fmt.Sprintf("%s/events/%d", baseURL, eventID)
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Rewards []struct {
				RewardName     string `json:"reward_name"`
				RemainingStock int64  `json:"remaining_stock"`
			} `json:"rewards"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	stocks := make(map[string]int64, len(out.Data.Rewards))
	for _, r := range out.Data.Rewards {
		stocks[r.RewardName] = r.RemainingStock
	}
	return stocks, nil
}
