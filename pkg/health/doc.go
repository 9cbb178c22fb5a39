// Package health implements the HTTP probe used by the automation
// runtime's wait_for step: poll a URL on an interval, treat any 2xx
// response as success, and respect the caller's context deadline.
//
//	checker := health.NewHTTPChecker(url).WithStatusRange(200, 299).WithTimeout(5 * time.Second)
//	result := checker.Check(ctx)
package health
