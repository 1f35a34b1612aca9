package server

import "context"

type countyCtxKey struct{}

func withCounty(ctx context.Context, county County) context.Context {
	return context.WithValue(ctx, countyCtxKey{}, county)
}

func currentCounty(ctx context.Context) (County, bool) {
	c, ok := ctx.Value(countyCtxKey{}).(County)
	return c, ok
}
