package api

import "github.com/redis/go-redis/v9"

// PublishOnceScript 將通知寫入 stream，同一則通知只會被寫入一次
//  KEYS[1] - 去重鍵
//  KEYS[2] - 通知的 stream
//  ARGV[1] - 去重鍵的保存秒數
//  ARGV[2] - 通知的 ID
//  ARGV[3] - 編碼後的通知內容
//
// 返回值:
//  1 - 寫入成功
//  0 - 已經寫入過
//
// 流程:
//  - 1. 以 SET NX 佔用去重鍵
//  - 2a. 如果已被佔用，返回0
//  - 2b. 如果佔用成功，將通知寫入stream
//  - 3. 返回1
var PublishOnceScript = redis.NewScript(`
-- 佔用去重鍵
local ok = redis.call('SET', KEYS[1], ARGV[2], 'NX', 'EX', tonumber(ARGV[1]))
if not ok then
    return 0
end

-- 將通知寫入 stream
redis.call('XADD', KEYS[2], '*', 'data', ARGV[3])

return 1
`)
